package service

import (
	"context"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/kit/endpoint"
)

////////////////////////////////////////////////////////////////////////////////
// Submit Test
////////////////////////////////////////////////////////////////////////////////

type submitTestRequest struct {
	Name string
}

type submitTestResponse struct {
	Task *fleet.Task `json:"task,omitempty"`
	Err  error       `json:"error,omitempty"`
}

func (r submitTestResponse) error() error { return r.Err }

func makeSubmitTestEndpoint(svc fleet.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(submitTestRequest)
		task, err := svc.SubmitTest(ctx, req.Name)
		if err != nil {
			return submitTestResponse{Err: err}, nil
		}
		return submitTestResponse{Task: task}, nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// Stop Task
////////////////////////////////////////////////////////////////////////////////

type stopTaskRequest struct {
	ID string
}

type stopTaskResponse struct {
	Err error `json:"error,omitempty"`
}

func (r stopTaskResponse) error() error { return r.Err }

func makeStopTaskEndpoint(svc fleet.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(stopTaskRequest)
		if err := svc.StopTask(ctx, req.ID); err != nil {
			return stopTaskResponse{Err: err}, nil
		}
		return stopTaskResponse{}, nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// Get Task
////////////////////////////////////////////////////////////////////////////////

type getTaskRequest struct {
	ID string
}

type getTaskResponse struct {
	Task *fleet.Task `json:"task,omitempty"`
	Err  error       `json:"error,omitempty"`
}

func (r getTaskResponse) error() error { return r.Err }

func makeGetTaskEndpoint(svc fleet.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(getTaskRequest)
		task, err := svc.GetTask(ctx, req.ID)
		if err != nil {
			return getTaskResponse{Err: err}, nil
		}
		return getTaskResponse{Task: task}, nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// List Tasks
////////////////////////////////////////////////////////////////////////////////

type listTasksRequest struct {
	ListOptions fleet.ListOptions
}

type listTasksResponse struct {
	Tasks []*fleet.Task `json:"tasks"`
	Err   error         `json:"error,omitempty"`
}

func (r listTasksResponse) error() error { return r.Err }

func makeListTasksEndpoint(svc fleet.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(listTasksRequest)
		tasks, err := svc.ListTasks(ctx, req.ListOptions)
		if err != nil {
			return listTasksResponse{Err: err}, nil
		}
		if tasks == nil {
			tasks = []*fleet.Task{}
		}
		return listTasksResponse{Tasks: tasks}, nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// Task Log
////////////////////////////////////////////////////////////////////////////////

type taskLogRequest struct {
	ID string
}

type taskLogResponse struct {
	Log []byte
	Err error
}

func (r taskLogResponse) error() error { return r.Err }

func makeTaskLogEndpoint(svc fleet.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(taskLogRequest)
		log, err := svc.TaskLog(ctx, req.ID)
		if err != nil {
			return taskLogResponse{Err: err}, nil
		}
		return taskLogResponse{Log: log}, nil
	}
}
