package device

import (
	"fmt"
	"sync"
)

// Registry hands out monotonic device indices and "netN" names on
// registration and supports lookup by either key.
type Registry struct {
	mu      sync.Mutex
	devices []*Device
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register assigns d the next index and name and adds it to the registry.
// d.Type, d.MTU, d.HLen, d.ALen and d.Ops must already be set by the caller.
func (r *Registry) Register(d *Device) error {
	if d.Ops == nil {
		return fmt.Errorf("device: register %s: nil ops", d.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	d.Index = len(r.devices)
	d.Name = fmt.Sprintf("net%d", d.Index)
	r.devices = append(r.devices, d)
	return nil
}

// ByIndex looks up a device by its assigned index.
func (r *Registry) ByIndex(i int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.devices) {
		return nil, false
	}
	return r.devices[i], true
}

// ByName looks up a device by its "netN" name.
func (r *Registry) ByName(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// All returns a snapshot of every registered device, in registration order.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}
