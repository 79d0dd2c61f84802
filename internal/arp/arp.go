// Package arp implements the ARP cache and wire messages: a 32-entry LRU
// cache keyed by protocol address, the ARP request/reply flow, and the
// merge-on-observe update rule a node uses whenever it overhears any ARP
// traffic naming a known peer.
package arp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/ether"
	"github.com/netstackd/netstackd/internal/octet"
)

const (
	hardwareEther  uint16 = 0x0001
	protocolIP            = ether.TypeIP
	opRequest      uint16 = 1
	opReply        uint16 = 2

	CacheSize = 32

	wireLen = 2 + 2 + 1 + 1 + 2 + 6 + 4 + 6 + 4 // hrd,pro,hln,pln,op,sha,spa,tha,tpa
)

type state int

const (
	stateFree state = iota
	stateIncomplete
	stateResolved
	stateStatic
)

// ResolveStatus reports the outcome of Resolve.
type ResolveStatus int

const (
	ResolveError ResolveStatus = iota
	ResolveIncomplete
	ResolveFound
)

// IPIface is the subset of an IP interface ARP needs: its owning device
// and its configured unicast address. ip.IPIface implements this
// structurally, with no import of package ip required here.
type IPIface interface {
	Dev() *device.Device
	Unicast() uint32
}

type cacheEntry struct {
	state     state
	pa        uint32
	ha        octet.EtherAddr
	timestamp time.Time
	pending   *pendingDatagram
}

// pendingDatagram is the single outbound payload held behind an
// INCOMPLETE entry: at most one per entry, flushed on resolution and
// dropped on LRU eviction, so queueing stays bounded.
type pendingDatagram struct {
	dev       *device.Device
	ethertype uint16
	data      []byte
}

// Cache is the fixed-size ARP table. The zero value is ready to use.
type Cache struct {
	mu      sync.Mutex
	entries [CacheSize]cacheEntry
}

// NewCache returns an empty Cache.
func NewCache() *Cache { return &Cache{} }

func (c *Cache) selectLocked(pa uint32) *cacheEntry {
	for i := range c.entries {
		e := &c.entries[i]
		if e.state != stateFree && e.pa == pa {
			return e
		}
	}
	return nil
}

// allocLocked returns a free entry, or the least-recently-updated
// non-static entry if the table is full. Reusing an entry silently drops
// any pending datagram it held. Returns nil when every entry is STATIC.
func (c *Cache) allocLocked() *cacheEntry {
	var oldest *cacheEntry
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == stateFree {
			return e
		}
		if e.state == stateStatic {
			continue
		}
		if oldest == nil || e.timestamp.Before(oldest.timestamp) {
			oldest = e
		}
	}
	if oldest != nil {
		oldest.pending = nil
	}
	return oldest
}

// updateLocked refreshes an existing entry for pa, returning false if no
// entry for pa exists yet. STATIC entries are reported as found but left
// untouched. When the entry was INCOMPLETE and held a pending datagram,
// that datagram is detached and returned for the caller to flush once
// the lock is released.
func (c *Cache) updateLocked(pa uint32, ha octet.EtherAddr) (bool, *pendingDatagram) {
	e := c.selectLocked(pa)
	if e == nil {
		return false, nil
	}
	if e.state == stateStatic {
		return true, nil
	}
	pending := e.pending
	e.pending = nil
	e.ha = ha
	e.state = stateResolved
	e.timestamp = time.Now()
	return true, pending
}

// Enqueue holds data as the single pending datagram behind pa's
// INCOMPLETE cache entry, overwriting any datagram already queued there
// (depth 1). It is a no-op if pa has no INCOMPLETE
// entry, which can happen if the entry resolved or was evicted between
// Resolve returning ResolveIncomplete and this call.
func (c *Cache) Enqueue(pa uint32, dev *device.Device, ethertype uint16, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.selectLocked(pa)
	if e == nil || e.state != stateIncomplete {
		return
	}
	e.pending = &pendingDatagram{dev: dev, ethertype: ethertype, data: append([]byte(nil), data...)}
}

func (c *Cache) insertLocked(pa uint32, ha octet.EtherAddr) *cacheEntry {
	e := c.allocLocked()
	if e == nil {
		return nil
	}
	e.state = stateResolved
	e.pa = pa
	e.ha = ha
	e.timestamp = time.Now()
	return e
}

// InsertStatic pins pa→ha as a STATIC entry: never aged by Scrub, never
// evicted by allocation pressure, never overwritten by observed traffic.
func (c *Cache) InsertStatic(pa uint32, ha octet.EtherAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.selectLocked(pa); e != nil {
		e.pending = nil
		e.ha = ha
		e.state = stateStatic
		e.timestamp = time.Now()
		return nil
	}
	e := c.allocLocked()
	if e == nil {
		return fmt.Errorf("arp: cache full of static entries")
	}
	e.state = stateStatic
	e.pa = pa
	e.ha = ha
	e.timestamp = time.Now()
	return nil
}

// Entry is a snapshot of one cache row, for introspection/debug endpoints.
type Entry struct {
	ProtocolAddr uint32
	HardwareAddr octet.EtherAddr
	State        string
	Updated      time.Time
}

func (s state) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateIncomplete:
		return "INCOMPLETE"
	case stateResolved:
		return "RESOLVED"
	case stateStatic:
		return "STATIC"
	default:
		return "UNKNOWN"
	}
}

// Snapshot returns every non-free entry currently in the cache.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if e.state == stateFree {
			continue
		}
		out = append(out, Entry{ProtocolAddr: e.pa, HardwareAddr: e.ha, State: e.state.String(), Updated: e.timestamp})
	}
	return out
}

// Scrub drops every RESOLVED entry whose timestamp is older than ttl. It
// never touches STATIC or INCOMPLETE entries. Called from the stack's
// optional periodic ARP scrub timer.
func (c *Cache) Scrub(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == stateResolved && e.timestamp.Before(cutoff) {
			*e = cacheEntry{}
		}
	}
}

// Resolve looks up pa in the cache. A miss allocates an INCOMPLETE entry,
// sends an ARP request, and returns ResolveIncomplete. A hit still in
// INCOMPLETE state re-sends the request (in case the first was lost)
// without refreshing its timestamp. A RESOLVED/STATIC hit returns the
// hardware address immediately.
func (c *Cache) Resolve(iface IPIface, pa uint32) (octet.EtherAddr, ResolveStatus, error) {
	dev := iface.Dev()
	if dev.Type != device.TypeEthernet {
		return octet.EtherAddr{}, ResolveError, fmt.Errorf("arp: unsupported hardware type on dev=%s", dev.Name)
	}

	c.mu.Lock()
	e := c.selectLocked(pa)
	if e == nil {
		e = c.allocLocked()
		if e == nil {
			c.mu.Unlock()
			return octet.EtherAddr{}, ResolveError, fmt.Errorf("arp: cache full, no evictable entry")
		}
		e.state = stateIncomplete
		e.pa = pa
		e.timestamp = time.Now()
		c.mu.Unlock()
		if err := sendRequest(iface, pa); err != nil {
			return octet.EtherAddr{}, ResolveError, err
		}
		return octet.EtherAddr{}, ResolveIncomplete, nil
	}
	if e.state == stateIncomplete {
		c.mu.Unlock()
		if err := sendRequest(iface, pa); err != nil {
			return octet.EtherAddr{}, ResolveError, err
		}
		return octet.EtherAddr{}, ResolveIncomplete, nil
	}
	ha := e.ha
	c.mu.Unlock()
	return ha, ResolveFound, nil
}

// Message is the decoded ARP/RARP Ethernet-IP address pair message.
type Message struct {
	layers.BaseLayer
	Hardware  uint16
	Protocol  uint16
	HLen      uint8
	PLen      uint8
	Op        uint16
	SenderHA  octet.EtherAddr
	SenderPA  uint32
	TargetHA  octet.EtherAddr
	TargetPA  uint32
}

// MessageType is the gopacket layer type registered for decoded ARP
// messages.
var MessageType = gopacket.RegisterLayerType(1901, gopacket.LayerTypeMetadata{
	Name:    "ARPMessage",
	Decoder: gopacket.DecodeFunc(decodeMessage),
})

func (m *Message) LayerType() gopacket.LayerType { return MessageType }

func decodeMessage(data []byte, p gopacket.PacketBuilder) error {
	m, err := parseMessage(data)
	if err != nil {
		return err
	}
	m.Contents = data[:wireLen]
	p.AddLayer(m)
	return nil
}

func parseMessage(data []byte) (*Message, error) {
	if len(data) < wireLen {
		return nil, fmt.Errorf("arp: message too short: %d", len(data))
	}
	m := &Message{
		Hardware: binary.BigEndian.Uint16(data[0:2]),
		Protocol: binary.BigEndian.Uint16(data[2:4]),
		HLen:     data[4],
		PLen:     data[5],
		Op:       binary.BigEndian.Uint16(data[6:8]),
	}
	copy(m.SenderHA[:], data[8:14])
	m.SenderPA = binary.BigEndian.Uint32(data[14:18])
	copy(m.TargetHA[:], data[18:24])
	m.TargetPA = binary.BigEndian.Uint32(data[24:28])
	return m, nil
}

func (m *Message) marshal() []byte {
	buf := make([]byte, wireLen)
	binary.BigEndian.PutUint16(buf[0:2], m.Hardware)
	binary.BigEndian.PutUint16(buf[2:4], m.Protocol)
	buf[4] = m.HLen
	buf[5] = m.PLen
	binary.BigEndian.PutUint16(buf[6:8], m.Op)
	copy(buf[8:14], m.SenderHA[:])
	binary.BigEndian.PutUint32(buf[14:18], m.SenderPA)
	copy(buf[18:24], m.TargetHA[:])
	binary.BigEndian.PutUint32(buf[24:28], m.TargetPA)
	return buf
}

func sendRequest(iface IPIface, tpa uint32) error {
	dev := iface.Dev()
	msg := &Message{
		Hardware: hardwareEther,
		Protocol: protocolIP,
		HLen:     ether.AddrLen,
		PLen:     4,
		Op:       opRequest,
		SenderPA: iface.Unicast(),
		TargetPA: tpa,
	}
	copy(msg.SenderHA[:], dev.Addr[:6])
	return dev.Output(ether.TypeARP, msg.marshal(), dev.Broadcast[:6])
}

func sendReply(iface IPIface, tha octet.EtherAddr, tpa uint32, dst octet.EtherAddr) error {
	dev := iface.Dev()
	msg := &Message{
		Hardware: hardwareEther,
		Protocol: protocolIP,
		HLen:     ether.AddrLen,
		PLen:     4,
		Op:       opReply,
		SenderPA: iface.Unicast(),
		TargetHA: tha,
		TargetPA: tpa,
	}
	copy(msg.SenderHA[:], dev.Addr[:6])
	return dev.Output(ether.TypeARP, msg.marshal(), dst[:6])
}

// Input processes a received ARP message: it opportunistically updates an
// existing cache entry for the sender, inserts a new one only when the
// message targets this interface's own unicast address, and replies to
// requests that target that address.
func Input(c *Cache, iface IPIface, data []byte, dev *device.Device) error {
	msg, err := parseMessage(data)
	if err != nil {
		return err
	}
	if msg.Hardware != hardwareEther || msg.HLen != ether.AddrLen {
		return fmt.Errorf("arp: unsupported hardware address type")
	}
	if msg.Protocol != protocolIP || msg.PLen != 4 {
		return fmt.Errorf("arp: unsupported protocol address type")
	}

	c.mu.Lock()
	merge, pending := c.updateLocked(msg.SenderPA, msg.SenderHA)
	c.mu.Unlock()

	if pending != nil {
		if err := pending.dev.Output(pending.ethertype, pending.data, msg.SenderHA[:6]); err != nil {
			slog.Debug("arp: flush of pending datagram failed", "pa", octet.ATOP(msg.SenderPA), "err", err)
		}
	}

	if iface == nil || iface.Unicast() != msg.TargetPA {
		return nil
	}
	if !merge {
		c.mu.Lock()
		c.insertLocked(msg.SenderPA, msg.SenderHA)
		c.mu.Unlock()
	}
	if msg.Op == opRequest {
		return sendReply(iface, msg.SenderHA, msg.SenderPA, msg.SenderHA)
	}
	return nil
}
