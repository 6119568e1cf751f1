package devices

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
)

// PortAllocator hands out one local port per device identifier. A device
// keeps the port it was first given for the lifetime of the process.
type PortAllocator struct {
	base   int
	window int
	// isFree reports whether a local port can be bound.
	isFree func(port int) bool

	mu       sync.Mutex
	byDevice map[string]int
	taken    map[int]struct{}
}

// NewPortAllocator returns an allocator probing ports base to base+window-1.
func NewPortAllocator(base, window int) *PortAllocator {
	return &PortAllocator{
		base:     base,
		window:   window,
		isFree:   canBind,
		byDevice: make(map[string]int),
		taken:    make(map[int]struct{}),
	}
}

// Allocate returns the port of the device, probing the window for a free
// port on the first call. It returns fleet.ErrPortsExhausted when every port
// of the window is in use.
func (a *PortAllocator) Allocate(ctx context.Context, deviceID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byDevice[deviceID]; ok {
		return port, nil
	}
	for port := a.base; port < a.base+a.window; port++ {
		if _, ok := a.taken[port]; ok {
			continue
		}
		if !a.isFree(port) {
			continue
		}
		a.byDevice[deviceID] = port
		a.taken[port] = struct{}{}
		return port, nil
	}
	return 0, ctxerr.Wrapf(ctx, fleet.ErrPortsExhausted, "ports %d-%d for device %s", a.base, a.base+a.window-1, deviceID)
}

// Lookup returns the port of the device if one was allocated.
func (a *PortAllocator) Lookup(deviceID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byDevice[deviceID]
	return port, ok
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
