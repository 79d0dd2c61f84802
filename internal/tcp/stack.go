// Package tcp implements an RFC 793 subset: the 16-entry PCB table, the
// SEGMENT ARRIVES pipeline (passive open through ESTABLISHED, in-order
// data transfer, and peer-initiated close), and the blocking
// Send/Receive/OpenRFC793 API built on the sched.Ctx per-PCB condition.
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/netstackd/netstackd/internal/ip"
	"github.com/netstackd/netstackd/internal/octet"
	"github.com/netstackd/netstackd/internal/sched"
)

const (
	PCBCount = 16

	// DefaultRxBufferSize bounds the receive buffer advertised as rcv.wnd;
	// the 16-bit window field caps it at 65535.
	DefaultRxBufferSize = 4096

	defaultMSS = 536
)

type state int

const (
	stateFree state = iota
	stateClosed
	stateListen
	stateSynSent
	stateSynReceived
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateClosing
	stateTimeWait
	stateCloseWait
	stateLastAck
)

func (s state) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateClosed:
		return "CLOSED"
	case stateListen:
		return "LISTEN"
	case stateSynSent:
		return "SYN_SENT"
	case stateSynReceived:
		return "SYN_RECEIVED"
	case stateEstablished:
		return "ESTABLISHED"
	case stateFinWait1:
		return "FIN_WAIT_1"
	case stateFinWait2:
		return "FIN_WAIT_2"
	case stateClosing:
		return "CLOSING"
	case stateTimeWait:
		return "TIME_WAIT"
	case stateCloseWait:
		return "CLOSE_WAIT"
	case stateLastAck:
		return "LAST_ACK"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is an (address, port) pair, identical in shape to udp.Endpoint.
type Endpoint struct {
	Addr uint32
	Port uint16
}

type sendVars struct {
	nxt, una, wnd uint32
	up            uint16
	wl1, wl2      uint32
}

type recvVars struct {
	nxt, wnd uint32
	up       uint16
}

type pcb struct {
	state          state
	local, foreign Endpoint

	snd      sendVars
	iss      uint32
	rcv      recvVars
	irs      uint32
	mtu, mss int

	rxBuf []byte
	ctx   *sched.Ctx
}

var (
	ErrNoFreePCB             = errors.New("tcp: no free pcb")
	ErrInvalidID             = errors.New("tcp: invalid pcb id")
	ErrActiveOpenUnsupported = errors.New("tcp: active open not supported")
	ErrInterrupted           = errors.New("tcp: interrupted")
	ErrConnectionFailed      = errors.New("tcp: connection failed")
	ErrNotConnected          = errors.New("tcp: pcb not connected")
	ErrClosed                = errors.New("tcp: connection closed")
)

// Table is the fixed-size PCB table guarded by a single mutex.
type Table struct {
	mu    sync.Mutex
	pcbs  [PCBCount]pcb
	stack *ip.Stack
}

// NewTable returns an empty PCB table bound to stack for segment output.
func NewTable(stack *ip.Stack) *Table {
	t := &Table{stack: stack}
	for i := range t.pcbs {
		t.pcbs[i].ctx = sched.New(&t.mu)
	}
	return t
}

// Interrupt wakes every goroutine currently blocked in OpenRFC793/Receive
// across the whole table under a single lock acquisition, satisfying
// netevent.Subscriber the same way udp.Table does.
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
	ID             int
	State          string
	Local, Foreign Endpoint
}

// Snapshot returns every non-FREE pcb, for the debug API.
func (t *Table) Snapshot() []PCBSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PCBSnapshot
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state == stateFree {
			continue
		}
		out = append(out, PCBSnapshot{ID: i, State: p.state.String(), Local: p.local, Foreign: p.foreign})
	}
	return out
}

func (t *Table) allocLocked() (int, *pcb, error) {
	for i := range t.pcbs {
		if t.pcbs[i].state == stateFree {
			return i, &t.pcbs[i], nil
		}
	}
	return 0, nil, ErrNoFreePCB
}

func (t *Table) getLocked(id int) (*pcb, error) {
	if id < 0 || id >= PCBCount {
		return nil, ErrInvalidID
	}
	p := &t.pcbs[id]
	if p.state == stateFree {
		return nil, ErrInvalidID
	}
	return p, nil
}

// selectLocked finds the PCB owning a segment arriving for (local,
// foreign): an exact 4-tuple match is preferred, falling back to a LISTEN
// PCB bound to local with a wildcard address.
func (t *Table) selectLocked(local, foreign Endpoint) *pcb {
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state == stateFree || p.state == stateListen {
			continue
		}
		if p.local == local && p.foreign == foreign {
			return p
		}
	}
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state != stateListen {
			continue
		}
		if p.local.Port != local.Port {
			continue
		}
		if p.local.Addr == octet.AddrAny || p.local.Addr == local.Addr {
			return p
		}
	}
	return nil
}

func (t *Table) windowLocked(p *pcb) uint32 {
	free := cap(p.rxBuf) - len(p.rxBuf)
	if free < 0 {
		return 0
	}
	return uint32(free)
}

// releaseLocked returns p's slot to FREE, unless a goroutine is asleep on
// its ctx: the sleeper is woken and performs the actual release itself
// once it observes the waiter count has dropped, mirroring udp.Table's
// Close/RecvFrom handshake.
func (t *Table) releaseLocked(p *pcb) {
	p.state = stateClosed
	if err := p.ctx.Destroy(); err != nil {
		p.ctx.Wakeup()
		return
	}
	ctx := p.ctx
	*p = pcb{ctx: ctx}
}

// OpenRFC793 allocates a PCB and, for a passive open, blocks until it
// reaches ESTABLISHED, is interrupted, or falls back to a terminal state
// (RST during the handshake). Active open is not implemented; every
// caller of this stack is a listener.
func (t *Table) OpenRFC793(local Endpoint, foreign *Endpoint, active bool) (int, error) {
	if active {
		return 0, ErrActiveOpenUnsupported
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id, p, err := t.allocLocked()
	if err != nil {
		return 0, err
	}
	p.state = stateListen
	p.local = local
	if foreign != nil {
		p.foreign = *foreign
	}
	if cap(p.rxBuf) == 0 {
		p.rxBuf = make([]byte, 0, DefaultRxBufferSize)
	} else {
		p.rxBuf = p.rxBuf[:0]
	}

	for {
		switch p.state {
		case stateEstablished:
			return id, nil
		case stateListen, stateSynReceived:
		default:
			t.releaseLocked(p)
			return 0, ErrConnectionFailed
		}
		if err := p.ctx.Sleep(time.Time{}); err != nil {
			t.releaseLocked(p)
			return 0, ErrInterrupted
		}
	}
}

// Close releases id's PCB. From ESTABLISHED (or earlier) it sends RST
// and releases immediately. From CLOSE_WAIT, reached after the peer sent
// FIN, it instead sends our own FIN and waits for the peer's ACK in
// LAST_ACK before the slot is actually freed by Input.
func (t *Table) Close(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.getLocked(id)
	if err != nil {
		return err
	}

	switch p.state {
	case stateCloseWait:
		if err := sendSegment(t.stack, p.local, p.foreign, p.snd.nxt, p.rcv.nxt, flagFIN|flagACK, uint16(t.windowLocked(p)), nil); err != nil {
			return err
		}
		p.snd.nxt++
		p.state = stateLastAck
		return nil
	case stateListen, stateSynReceived, stateEstablished:
		if p.foreign != (Endpoint{}) {
			_ = sendSegment(t.stack, p.local, p.foreign, p.snd.nxt, p.rcv.nxt, flagRST, 0, nil)
		}
		t.releaseLocked(p)
		return nil
	default:
		t.releaseLocked(p)
		return nil
	}
}

// Send chunks data into MSS-sized segments and transmits each with the
// current ACK/window. There is no retransmission queue, so a successful
// return means the segments were handed to IP output, not that the peer
// ACKed them.
func (t *Table) Send(id int, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.getLocked(id)
	if err != nil {
		return 0, err
	}
	if p.state != stateEstablished && p.state != stateCloseWait {
		return 0, ErrNotConnected
	}

	mss := p.mss
	if mss <= 0 {
		mss = defaultMSS
	}

	sent := 0
	for sent < len(data) {
		chunk := data[sent:]
		if len(chunk) > mss {
			chunk = chunk[:mss]
		}
		if err := sendSegment(t.stack, p.local, p.foreign, p.snd.nxt, p.rcv.nxt, flagACK|flagPSH, uint16(t.windowLocked(p)), chunk); err != nil {
			return sent, err
		}
		p.snd.nxt += uint32(len(chunk))
		sent += len(chunk)
	}
	return sent, nil
}

// Receive blocks on id's ctx until bytes are available, the PCB is
// interrupted, or the connection has no more data to offer (peer closed
// and the buffer has drained). On success it copies min(len(buf),
// available) bytes, silently truncating like udp.RecvFrom.
func (t *Table) Receive(id int, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.getLocked(id)
	if err != nil {
		return 0, err
	}

	for {
		if len(p.rxBuf) > 0 {
			n := copy(buf, p.rxBuf)
			rem := copy(p.rxBuf, p.rxBuf[n:])
			p.rxBuf = p.rxBuf[:rem]
			return n, nil
		}
		if p.state != stateEstablished && p.state != stateCloseWait && p.state != stateLastAck {
			if p.state == stateClosed {
				t.releaseLocked(p)
			}
			return 0, ErrClosed
		}
		if p.state == stateCloseWait || p.state == stateLastAck {
			// Peer sent FIN and the buffer has drained: nothing further
			// will ever arrive.
			return 0, ErrClosed
		}
		if err := p.ctx.Sleep(time.Time{}); err != nil {
			return 0, ErrInterrupted
		}
	}
}

// Input runs one segment through RFC 793 §3.9's SEGMENT ARRIVES
// processing under the TCP mutex: validate, locate the owning PCB,
// dispatch by state. Handlers reply synchronously (RST/SYN-ACK/ACK)
// since the worker goroutine holds no lock but this one while doing so.
func (t *Table) Input(data []byte, src, dst uint32, _ *ip.IPIface) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("tcp: segment too short: %d", len(data))
	}
	if src == octet.AddrBroadcast || dst == octet.AddrBroadcast {
		return fmt.Errorf("tcp: broadcast address on a stream segment")
	}
	if err := verifyChecksum(data, src, dst); err != nil {
		return err
	}
	hdr, hlen, err := parseHeader(data)
	if err != nil {
		return err
	}
	payload := data[hlen:]

	local := Endpoint{Addr: dst, Port: hdr.DstPort}
	foreign := Endpoint{Addr: src, Port: hdr.SrcPort}
	segLen := uint32(len(payload))
	if hdr.Flags&flagSYN != 0 {
		segLen++
	}
	if hdr.Flags&flagFIN != 0 {
		segLen++
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.selectLocked(local, foreign)
	if p == nil {
		if hdr.Flags&flagRST == 0 {
			slog.Debug("tcp: reset for unmatched segment",
				"local", octet.ATOP(local.Addr), "port", local.Port, "flags", flagString(hdr.Flags))
			return sendReset(t.stack, local, foreign, hdr, segLen)
		}
		return nil
	}

	switch p.state {
	case stateListen:
		return t.inputListenLocked(p, local, foreign, hdr)
	case stateSynReceived:
		return t.inputSynReceivedLocked(p, hdr)
	case stateEstablished, stateCloseWait:
		return t.inputEstablishedLocked(p, hdr, payload)
	case stateLastAck:
		return t.inputLastAckLocked(p, hdr)
	default:
		if hdr.Flags&flagRST == 0 {
			return sendReset(t.stack, local, foreign, hdr, segLen)
		}
		return nil
	}
}

func (t *Table) inputListenLocked(p *pcb, local, foreign Endpoint, hdr *Header) error {
	if hdr.Flags&flagRST != 0 {
		return nil
	}
	if hdr.Flags&flagACK != 0 {
		return sendSegment(t.stack, local, foreign, hdr.Ack, 0, flagRST, 0, nil)
	}
	if hdr.Flags&flagSYN == 0 {
		return nil
	}

	p.local = local
	p.foreign = foreign
	if iface, ok := t.stack.Ifaces.Select(local.Addr); ok {
		p.mtu = iface.Dev().MTU
		p.mss = p.mtu - ip.HeaderSizeMin - HeaderSize
	}
	if cap(p.rxBuf) == 0 {
		p.rxBuf = make([]byte, 0, DefaultRxBufferSize)
	} else {
		p.rxBuf = p.rxBuf[:0]
	}
	p.rcv.wnd = t.windowLocked(p)
	p.rcv.nxt = hdr.Seq + 1
	p.irs = hdr.Seq
	p.iss = rand.Uint32()
	p.snd.una = p.iss
	p.snd.nxt = p.iss + 1

	if err := sendSegment(t.stack, local, foreign, p.iss, p.rcv.nxt, flagSYN|flagACK, uint16(p.rcv.wnd), nil); err != nil {
		return err
	}
	p.state = stateSynReceived
	// Do not wake OpenRFC793 here: it keeps sleeping through SYN_RECEIVED
	// and only wakes on the transition to ESTABLISHED.
	return nil
}

func (t *Table) inputSynReceivedLocked(p *pcb, hdr *Header) error {
	if hdr.Flags&flagRST != 0 {
		t.releaseLocked(p)
		return nil
	}
	if hdr.Flags&flagACK == 0 {
		return nil
	}
	if !(seqGT(hdr.Ack, p.snd.una) && seqLE(hdr.Ack, p.snd.nxt)) {
		return sendSegment(t.stack, p.local, p.foreign, hdr.Ack, 0, flagRST, 0, nil)
	}
	p.snd.una = hdr.Ack
	p.state = stateEstablished
	p.ctx.Wakeup()
	return nil
}

func (t *Table) inputEstablishedLocked(p *pcb, hdr *Header, payload []byte) error {
	if hdr.Flags&flagRST != 0 {
		t.releaseLocked(p)
		return nil
	}
	if hdr.Flags&flagACK != 0 && seqGT(hdr.Ack, p.snd.una) && seqLE(hdr.Ack, p.snd.nxt) {
		p.snd.una = hdr.Ack
	}

	woke := false
	if len(payload) > 0 && hdr.Seq == p.rcv.nxt {
		room := cap(p.rxBuf) - len(p.rxBuf)
		n := len(payload)
		if n > room {
			n = room
		}
		if n > 0 {
			p.rxBuf = append(p.rxBuf, payload[:n]...)
			p.rcv.nxt += uint32(n)
			woke = true
		}
	}
	if hdr.Flags&flagFIN != 0 && hdr.Seq+uint32(len(payload)) == p.rcv.nxt {
		p.rcv.nxt++
		p.state = stateCloseWait
		woke = true
	}
	if woke {
		p.ctx.Wakeup()
	}

	if len(payload) > 0 || hdr.Flags&(flagSYN|flagFIN) != 0 {
		return sendSegment(t.stack, p.local, p.foreign, p.snd.nxt, p.rcv.nxt, flagACK, uint16(t.windowLocked(p)), nil)
	}
	return nil
}

func (t *Table) inputLastAckLocked(p *pcb, hdr *Header) error {
	if hdr.Flags&flagRST != 0 {
		t.releaseLocked(p)
		return nil
	}
	if hdr.Flags&flagACK != 0 && hdr.Ack == p.snd.nxt {
		t.releaseLocked(p)
	}
	return nil
}

// seqLT/seqLE/seqGT compare 32-bit TCP sequence numbers with wraparound,
// per RFC 793's serial-number arithmetic.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

func pseudoHeader(src, dst uint32, length uint16) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], src)
	binary.BigEndian.PutUint32(buf[4:8], dst)
	buf[8] = 0
	buf[9] = ip.ProtoTCP
	binary.BigEndian.PutUint16(buf[10:12], length)
	return buf
}

func verifyChecksum(data []byte, src, dst uint32) error {
	seed := octet.PseudoSeed(pseudoHeader(src, dst, uint16(len(data))))
	if octet.Checksum16(data, seed) != 0 {
		return fmt.Errorf("tcp: checksum invalid")
	}
	return nil
}

func sendSegment(stack *ip.Stack, local, foreign Endpoint, seq, ack uint32, flags uint8, window uint16, payload []byte) error {
	buf := marshalHeader(Header{
		SrcPort: local.Port,
		DstPort: foreign.Port,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  window,
	}, payload)

	seed := octet.PseudoSeed(pseudoHeader(local.Addr, foreign.Addr, uint16(len(buf))))
	sum := octet.Checksum16(buf, seed)
	binary.BigEndian.PutUint16(buf[16:18], sum)

	_, err := stack.Output(ip.ProtoTCP, buf, local.Addr, foreign.Addr)
	return err
}

// sendReset implements RFC 793's two RST reply forms, replying from
// local (the segment's destination) to foreign (its source).
func sendReset(stack *ip.Stack, local, foreign Endpoint, hdr *Header, segLen uint32) error {
	if hdr.Flags&flagACK == 0 {
		return sendSegment(stack, local, foreign, 0, hdr.Seq+segLen, flagRST|flagACK, 0, nil)
	}
	return sendSegment(stack, local, foreign, hdr.Ack, 0, flagRST, 0, nil)
}
