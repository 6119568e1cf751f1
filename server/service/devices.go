package service

import (
	"context"
	"sort"

	"github.com/fleetdm/devicefarm/server/fleet"
)

// ListDevices returns the live view of the fleet, sorted by device id.
func (svc *Service) ListDevices(ctx context.Context) ([]*fleet.Device, error) {
	live := svc.devices.List()
	devices := make([]*fleet.Device, 0, len(live))
	for i := range live {
		devices = append(devices, live[i].Copy())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (svc *Service) ListTests(ctx context.Context) ([]string, error) {
	return svc.catalog.List(ctx)
}
