// Package udp implements the UDP PCB table: bind/open/close, ephemeral
// source-port selection, blocking recvfrom, and the pseudo-header
// checksum shared in shape with TCP.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netstackd/netstackd/internal/ip"
	"github.com/netstackd/netstackd/internal/octet"
	"github.com/netstackd/netstackd/internal/queue"
	"github.com/netstackd/netstackd/internal/sched"
)

const (
	PCBCount = 16

	HeaderSize = 8

	sourcePortMin = 49152
	sourcePortMax = 65535
)

type pcbState int

const (
	stateFree pcbState = iota
	stateOpen
	stateClosing
)

// Endpoint is an (address, port) pair.
type Endpoint struct {
	Addr uint32
	Port uint16
}

type datagramEntry struct {
	foreign Endpoint
	data    []byte
}

type pcb struct {
	state pcbState
	local Endpoint
	queue queue.Queue[datagramEntry]
	ctx   *sched.Ctx
}

var (
	ErrNoFreePCB   = errors.New("udp: no free pcb")
	ErrInvalidID   = errors.New("udp: invalid pcb id")
	ErrAddrInUse   = errors.New("udp: local address already bound")
	ErrNoRoute     = errors.New("udp: no route to foreign address")
	ErrNoPort      = errors.New("udp: no ephemeral port available")
	ErrInterrupted = errors.New("udp: recvfrom interrupted")
	ErrClosed      = errors.New("udp: pcb closed")
)

// Table is the fixed-size PCB table, guarded as a whole by one mutex the
// way each protocol module here guards its own state.
type Table struct {
	mu   sync.Mutex
	pcbs [PCBCount]pcb

	stack *ip.Stack
}

// NewTable returns an empty PCB table bound to stack for datagram output
// and SendTo's routing-table source selection.
func NewTable(stack *ip.Stack) *Table {
	t := &Table{stack: stack}
	for i := range t.pcbs {
		t.pcbs[i].ctx = sched.New(&t.mu)
	}
	return t
}

// Interrupt wakes every goroutine currently blocked in RecvFrom across the
// whole table under a single lock acquisition, satisfying
// netevent.Subscriber: a Ctx may only be interrupted while its bound mutex
// is held, so the table (not the individual Ctx) is what subscribes to the
// process-wide event bus.
func (t *Table) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		t.pcbs[i].ctx.Interrupt()
	}
}

// PCBSnapshot is a point-in-time view of one PCB row, for introspection/
// debug endpoints.
type PCBSnapshot struct {
	ID    int
	Local Endpoint
	Queue int
}

// Snapshot returns every OPEN pcb, for the debug API.
func (t *Table) Snapshot() []PCBSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PCBSnapshot
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state != stateOpen {
			continue
		}
		out = append(out, PCBSnapshot{ID: i, Local: p.local, Queue: p.queue.Len()})
	}
	return out
}

// Open allocates a FREE pcb, marks it OPEN, and returns its index.
func (t *Table) Open() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].state == stateFree {
			t.pcbs[i].state = stateOpen
			return i, nil
		}
	}
	return 0, ErrNoFreePCB
}

func (t *Table) getLocked(id int) (*pcb, error) {
	if id < 0 || id >= PCBCount {
		return nil, ErrInvalidID
	}
	p := &t.pcbs[id]
	if p.state != stateOpen {
		return nil, ErrInvalidID
	}
	return p, nil
}

func (t *Table) selectLocked(addr uint32, port uint16) *pcb {
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state != stateOpen {
			continue
		}
		addrMatches := p.local.Addr == octet.AddrAny || addr == octet.AddrAny || p.local.Addr == addr
		if addrMatches && p.local.Port == port {
			return p
		}
	}
	return nil
}

// Bind assigns local to id's pcb, failing if another OPEN pcb already
// owns the same (addr, port).
func (t *Table) Bind(id int, local Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.getLocked(id)
	if err != nil {
		return err
	}
	if existing := t.selectLocked(local.Addr, local.Port); existing != nil && existing != p {
		return ErrAddrInUse
	}
	p.local = local
	return nil
}

// Close marks id's pcb CLOSING. If goroutines are asleep in RecvFrom on
// it, they are woken and perform the actual release themselves on
// observing CLOSING; otherwise the pcb is released immediately.
func (t *Table) Close(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.getLocked(id)
	if err != nil {
		return err
	}
	t.releaseLocked(p)
	return nil
}

func (t *Table) releaseLocked(p *pcb) {
	p.state = stateClosing
	if err := p.ctx.Destroy(); err != nil {
		p.ctx.Wakeup()
		return
	}
	p.state = stateFree
	p.local = Endpoint{}
	for {
		if _, ok := p.queue.Pop(); !ok {
			break
		}
	}
}

// SendTo resolves id's local address/port (auto-selecting a source
// address from the routing table and an ephemeral port if unset) and
// transmits data to foreign.
func (t *Table) SendTo(id int, data []byte, foreign Endpoint) (int, error) {
	t.mu.Lock()
	p, err := t.getLocked(id)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	local := p.local
	if local.Addr == octet.AddrAny {
		iface, ok := t.stack.Routes.GetIface(foreign.Addr)
		if !ok {
			t.mu.Unlock()
			return 0, ErrNoRoute
		}
		local.Addr = iface.Unicast()
	}
	if local.Port == 0 {
		port, ok := t.pickEphemeralPortLocked(local.Addr)
		if !ok {
			t.mu.Unlock()
			return 0, ErrNoPort
		}
		local.Port = port
		p.local.Port = port
	}
	t.mu.Unlock()

	return Output(t.stack, local, foreign, data)
}

func (t *Table) pickEphemeralPortLocked(addr uint32) (uint16, bool) {
	for port := sourcePortMin; port <= sourcePortMax; port++ {
		if t.selectLocked(addr, uint16(port)) == nil {
			return uint16(port), true
		}
	}
	return 0, false
}

// RecvFrom blocks until a datagram arrives on id's pcb, is interrupted, or
// the pcb is closed. On success it copies min(len(buf), len(entry)) bytes
// into buf (silent truncation) and returns the foreign endpoint and byte
// count.
func (t *Table) RecvFrom(id int, buf []byte) (int, Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.getLocked(id)
	if err != nil {
		return 0, Endpoint{}, err
	}

	for {
		entry, ok := p.queue.Pop()
		if ok {
			n := copy(buf, entry.data)
			return n, entry.foreign, nil
		}
		if err := p.ctx.Sleep(time.Time{}); err != nil {
			return 0, Endpoint{}, ErrInterrupted
		}
		if p.state == stateClosing {
			t.releaseLocked(p)
			return 0, Endpoint{}, ErrClosed
		}
	}
}

// Input verifies the UDP checksum and datagram length, selects the
// matching PCB, and pushes a new datagram entry onto its receive queue,
// waking any sleeper in RecvFrom.
func (t *Table) Input(data []byte, src, dst uint32, iface *ip.IPIface) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("udp: datagram too short: %d", len(data))
	}
	srcPort := binary.BigEndian.Uint16(data[0:2])
	dstPort := binary.BigEndian.Uint16(data[2:4])
	length := binary.BigEndian.Uint16(data[4:6])
	sum := binary.BigEndian.Uint16(data[6:8])

	if int(length) != len(data) {
		return fmt.Errorf("udp: length mismatch: hdr=%d actual=%d", length, len(data))
	}
	if sum != 0 {
		if err := verifyChecksum(data, src, dst); err != nil {
			return err
		}
	}

	t.mu.Lock()
	p := t.selectLocked(dst, dstPort)
	if p == nil {
		t.mu.Unlock()
		slog.Debug("udp: no pcb for destination", "addr", octet.ATOP(dst), "port", dstPort)
		return nil
	}
	payload := append([]byte(nil), data[HeaderSize:]...)
	p.queue.Push(datagramEntry{foreign: Endpoint{Addr: src, Port: srcPort}, data: payload})
	p.ctx.Wakeup()
	t.mu.Unlock()
	return nil
}

func pseudoHeader(src, dst uint32, length uint16) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], src)
	binary.BigEndian.PutUint32(buf[4:8], dst)
	buf[8] = 0
	buf[9] = ip.ProtoUDP
	binary.BigEndian.PutUint16(buf[10:12], length)
	return buf
}

func verifyChecksum(data []byte, src, dst uint32) error {
	seed := octet.PseudoSeed(pseudoHeader(src, dst, uint16(len(data))))
	if octet.Checksum16(data, seed) != 0 {
		return fmt.Errorf("udp: checksum invalid")
	}
	return nil
}

// Output builds a UDP datagram and submits it to the IP layer. A computed
// checksum of 0x0000 is mapped to 0xFFFF per RFC 768, since 0x0000 in the
// wire field means "no checksum computed".
func Output(stack *ip.Stack, local, foreign Endpoint, payload []byte) (int, error) {
	total := HeaderSize + len(payload)
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], local.Port)
	binary.BigEndian.PutUint16(buf[2:4], foreign.Port)
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	copy(buf[HeaderSize:], payload)

	seed := octet.PseudoSeed(pseudoHeader(local.Addr, foreign.Addr, uint16(total)))
	sum := octet.Checksum16(buf, seed)
	if sum == 0 {
		sum = 0xFFFF
	}
	binary.BigEndian.PutUint16(buf[6:8], sum)

	if _, err := stack.Output(ip.ProtoUDP, buf, local.Addr, foreign.Addr); err != nil {
		return 0, err
	}
	return len(payload), nil
}
