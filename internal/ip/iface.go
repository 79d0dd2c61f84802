package ip

import (
	"fmt"
	"sync"

	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/octet"
)

// IPIface attaches a unicast/netmask pair to a device, implementing both
// device.Iface (Family) and arp.IPIface (Dev/Unicast) structurally.
type IPIface struct {
	dev       *device.Device
	unicast   uint32
	netmask   uint32
	broadcast uint32
}

// NewIface builds an IPIface for unicast/netmask, deriving the directed
// broadcast address as unicast|^netmask.
func NewIface(unicast, netmask uint32) *IPIface {
	return &IPIface{unicast: unicast, netmask: netmask, broadcast: (unicast & netmask) | ^netmask}
}

func (i *IPIface) Family() device.Family { return device.FamilyIP }
func (i *IPIface) Dev() *device.Device   { return i.dev }
func (i *IPIface) Unicast() uint32       { return i.unicast }
func (i *IPIface) Netmask() uint32       { return i.netmask }
func (i *IPIface) Network() uint32       { return i.unicast & i.netmask }
func (i *IPIface) Broadcast() uint32     { return i.broadcast }

func (i *IPIface) String() string {
	return fmt.Sprintf("%s/%s", octet.ATOP(i.unicast), octet.ATOP(i.netmask))
}

// Registry tracks every IP interface registered with the stack, keyed by
// exact unicast address.
type Registry struct {
	mu     sync.Mutex
	ifaces []*IPIface
}

// NewRegistry returns an empty interface registry.
func NewRegistry() *Registry { return &Registry{} }

// Register attaches iface to dev and records it for Select.
func (r *Registry) Register(dev *device.Device, iface *IPIface) error {
	iface.dev = dev
	if err := dev.AddIface(iface); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ifaces = append(r.ifaces, iface)
	return nil
}

// Select returns the interface whose unicast address exactly matches addr.
func (r *Registry) Select(addr uint32) (*IPIface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, iface := range r.ifaces {
		if iface.unicast == addr {
			return iface, true
		}
	}
	return nil, false
}

// All returns every registered interface.
func (r *Registry) All() []*IPIface {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*IPIface, len(r.ifaces))
	copy(out, r.ifaces)
	return out
}
