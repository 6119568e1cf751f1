package service

import (
	"context"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/kit/endpoint"
)

type listDevicesResponse struct {
	Devices []*fleet.Device `json:"devices"`
	Err     error           `json:"error,omitempty"`
}

func (r listDevicesResponse) error() error { return r.Err }

func makeListDevicesEndpoint(svc fleet.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		devices, err := svc.ListDevices(ctx)
		if err != nil {
			return listDevicesResponse{Err: err}, nil
		}
		return listDevicesResponse{Devices: devices}, nil
	}
}

type listTestsResponse struct {
	Tests []string `json:"tests"`
	Err   error    `json:"error,omitempty"`
}

func (r listTestsResponse) error() error { return r.Err }

func makeListTestsEndpoint(svc fleet.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		tests, err := svc.ListTests(ctx)
		if err != nil {
			return listTestsResponse{Err: err}, nil
		}
		if tests == nil {
			tests = []string{}
		}
		return listTestsResponse{Tests: tests}, nil
	}
}
