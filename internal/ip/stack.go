// Package ip implements IPv4: header validation and checksum, protocol
// demultiplexing, the routing table, and the ARP-resolving device-output
// path.
package ip

import (
	"errors"
	"fmt"
	"sync"

	"github.com/netstackd/netstackd/internal/arp"
	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/ether"
	"github.com/netstackd/netstackd/internal/octet"
)

// ErrARPIncomplete is the transient, non-fatal failure OutputDevice
// returns while the next hop's hardware address is still being resolved;
// the datagram is queued behind the pending entry and callers may simply
// retry.
var ErrARPIncomplete = errors.New("ip: arp resolution pending")

// ProtocolHandler receives a demultiplexed IP payload along with the
// header's source/destination and the interface it arrived on.
type ProtocolHandler func(payload []byte, src, dst uint32, iface *IPIface)

// Stack ties together interface selection, routing, and ARP resolution
// for IPv4 input/output.
type Stack struct {
	Ifaces *Registry
	Routes *RouteTable
	ARP    *arp.Cache

	mu        sync.Mutex
	protocols map[uint8]ProtocolHandler

	idMu   sync.Mutex
	nextID uint16
}

// NewStack returns a Stack with an empty interface registry, routing
// table, and ARP cache, and the id counter starting at 128.
func NewStack() *Stack {
	return &Stack{
		Ifaces:    NewRegistry(),
		Routes:    NewRouteTable(),
		ARP:       arp.NewCache(),
		protocols: make(map[uint8]ProtocolHandler),
		nextID:    128,
	}
}

// RegisterIface attaches iface to dev and installs the connected route
// for its subnet, so Routes can answer "which interface reaches dst" for
// on-link destinations as well as gatewayed ones.
func (s *Stack) RegisterIface(dev *device.Device, iface *IPIface) error {
	if err := s.Ifaces.Register(dev, iface); err != nil {
		return err
	}
	s.Routes.Add(iface.Network(), iface.Netmask(), 0, iface)
	return nil
}

// RegisterProtocol installs handler for protocol, e.g. ProtoICMP.
func (s *Stack) RegisterProtocol(protocol uint8, handler ProtocolHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.protocols[protocol]; exists {
		return fmt.Errorf("ip: protocol %d already registered", protocol)
	}
	s.protocols[protocol] = handler
	return nil
}

// Input validates a received datagram, filters it to datagrams destined
// for this device's interface (unicast, interface broadcast, or
// 255.255.255.255), and dispatches the payload to the registered protocol
// handler. Unregistered protocols and foreign destinations are dropped
// silently.
func (s *Stack) Input(data []byte, dev *device.Device) error {
	hdr, hlen, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if err := VerifyInput(data, hlen); err != nil {
		return err
	}
	if hdr.Flags&0x1 != 0 || hdr.FragOff != 0 {
		return fmt.Errorf("ip: fragmented datagrams not supported")
	}

	ifaceAny, ok := dev.Iface(device.FamilyIP)
	if !ok {
		return fmt.Errorf("ip: no ip interface on dev=%s", dev.Name)
	}
	iface := ifaceAny.(*IPIface)

	if hdr.Dst != iface.Unicast() && hdr.Dst != iface.Broadcast() && hdr.Dst != octet.AddrBroadcast {
		return nil
	}

	s.mu.Lock()
	handler, ok := s.protocols[hdr.Protocol]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	payload := data[hlen:hdr.Total]
	handler(payload, hdr.Src, hdr.Dst, iface)
	return nil
}

func (s *Stack) generateID() uint16 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// Output builds and transmits an IPv4 datagram carrying payload for
// protocol from src to dst. src must not be octet.AddrAny: there is no
// source-address selection here, the routing table only supplies
// next-hops for reachability and output-device selection.
func (s *Stack) Output(protocol uint8, payload []byte, src, dst uint32) (int, error) {
	if src == octet.AddrAny {
		return 0, fmt.Errorf("ip: source address selection not supported")
	}
	iface, ok := s.Ifaces.Select(src)
	if !ok {
		return 0, fmt.Errorf("ip: no interface for src=%s", octet.ATOP(src))
	}

	if !s.reachable(iface, dst) {
		return 0, fmt.Errorf("ip: dst=%s unreachable from %s", octet.ATOP(dst), iface)
	}

	if iface.Dev().MTU < HeaderSizeMin+len(payload) {
		return 0, fmt.Errorf("ip: payload too long for dev=%s mtu=%d", iface.Dev().Name, iface.Dev().MTU)
	}

	id := s.generateID()
	datagram := buildHeader(protocol, id, src, dst, payload)
	if err := s.OutputDevice(iface, datagram, dst); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (s *Stack) reachable(iface *IPIface, dst uint32) bool {
	if dst == octet.AddrBroadcast {
		return true
	}
	if dst >= iface.Network() && dst <= iface.Broadcast() {
		return true
	}
	_, ok := s.Routes.Lookup(dst)
	return ok
}

// OutputDevice resolves the next hop's hardware address (if the device
// needs ARP) and hands the datagram to the device's transmit path. A
// cache miss queues datagram behind the now-pending ARP resolution (at
// most one per entry) and returns ErrARPIncomplete; the datagram is
// flushed automatically once the resolution completes, or dropped if the
// entry is evicted first.
func (s *Stack) OutputDevice(iface *IPIface, datagram []byte, dst uint32) error {
	dev := iface.Dev()
	var hwaddr []byte

	if dev.Has(device.FlagNeedARP) {
		if dst == iface.Broadcast() || dst == octet.AddrBroadcast {
			hwaddr = dev.Broadcast[:ether.AddrLen]
		} else {
			nexthop := s.nexthop(iface, dst)
			ha, status, err := s.ARP.Resolve(iface, nexthop)
			if err != nil {
				return err
			}
			if status != arp.ResolveFound {
				s.ARP.Enqueue(nexthop, dev, ether.TypeIP, datagram)
				return fmt.Errorf("%w: dst=%s nexthop=%s", ErrARPIncomplete, octet.ATOP(dst), octet.ATOP(nexthop))
			}
			hwaddr = ha[:]
		}
	}
	return dev.Output(ether.TypeIP, datagram, hwaddr)
}

// nexthop returns the address the link layer delivers a datagram for dst
// to: dst itself when it sits on iface's subnet, otherwise the gateway
// the routing table names for it.
func (s *Stack) nexthop(iface *IPIface, dst uint32) uint32 {
	if dst >= iface.Network() && dst <= iface.Broadcast() {
		return dst
	}
	if r, ok := s.Routes.Lookup(dst); ok && r.Nexthop != 0 {
		return r.Nexthop
	}
	return dst
}
