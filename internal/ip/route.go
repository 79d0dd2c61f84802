package ip

import (
	"math/bits"
	"sync"
)

// Route is one routing table row: {network, netmask, nexthop, iface}. A
// default-gateway row has Network==0 and Netmask==0.
type Route struct {
	Network uint32
	Netmask uint32
	Nexthop uint32
	Iface   *IPIface
}

// RouteTable is the linear routing table. Longest-prefix match wins;
// ties are broken by table order (first match).
type RouteTable struct {
	mu      sync.Mutex
	entries []Route
}

// NewRouteTable returns an empty routing table.
func NewRouteTable() *RouteTable { return &RouteTable{} }

// Add appends a route.
func (t *RouteTable) Add(network, netmask, nexthop uint32, iface *IPIface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, Route{Network: network, Netmask: netmask, Nexthop: nexthop, Iface: iface})
}

// SetDefaultGateway installs (or replaces) the network=0/netmask=0 route
// through gw out of iface.
func (t *RouteTable) SetDefaultGateway(iface *IPIface, gw uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Network == 0 && t.entries[i].Netmask == 0 {
			t.entries[i].Nexthop = gw
			t.entries[i].Iface = iface
			return
		}
	}
	t.entries = append(t.entries, Route{Nexthop: gw, Iface: iface})
}

// Lookup returns the longest-prefix-matching route for dst.
func (t *RouteTable) Lookup(dst uint32) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best Route
	found := false
	bestLen := -1
	for _, r := range t.entries {
		if dst&r.Netmask != r.Network {
			continue
		}
		prefixLen := bits.OnesCount32(r.Netmask)
		if prefixLen > bestLen {
			best = r
			bestLen = prefixLen
			found = true
		}
	}
	return best, found
}

// All returns a snapshot of every route, in table order.
func (t *RouteTable) All() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Route, len(t.entries))
	copy(out, t.entries)
	return out
}

// GetIface returns the interface a packet to dst would be routed out of.
func (t *RouteTable) GetIface(dst uint32) (*IPIface, bool) {
	r, ok := t.Lookup(dst)
	if !ok {
		return nil, false
	}
	return r.Iface, true
}
