package service

import (
	"context"
	"net/http"
)

func decodeSubmitTestRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	name, err := stringFromRequest(r, "name")
	if err != nil {
		return nil, err
	}
	return submitTestRequest{Name: name}, nil
}

func decodeStopTaskRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := stringFromRequest(r, "id")
	if err != nil {
		return nil, err
	}
	return stopTaskRequest{ID: id}, nil
}

func decodeGetTaskRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := stringFromRequest(r, "id")
	if err != nil {
		return nil, err
	}
	return getTaskRequest{ID: id}, nil
}

func decodeTaskLogRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := stringFromRequest(r, "id")
	if err != nil {
		return nil, err
	}
	return taskLogRequest{ID: id}, nil
}

func decodeListTasksRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	opt, err := listOptionsFromRequest(r)
	if err != nil {
		return nil, err
	}
	return listTasksRequest{ListOptions: opt}, nil
}
