// Package netstack wires the link layer to the protocol layers:
// NetInputHandler copies each inbound frame onto its protocol's receive
// queue and raises the shared soft-IRQ, and the worker-side drain calls
// each registered protocol handler.
package netstack

import (
	"log/slog"
	"sync"

	"github.com/netstackd/netstackd/internal/arp"
	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/ether"
	"github.com/netstackd/netstackd/internal/ip"
	"github.com/netstackd/netstackd/internal/irq"
	"github.com/netstackd/netstackd/internal/queue"
)

// Handler processes one dequeued frame's payload for the device it
// arrived on. Errors are logged and dropped; the input path never raises
// to the sender.
type Handler func(data []byte, dev *device.Device) error

type receiveEntry struct {
	data []byte
	dev  *device.Device
}

// Stack is the soft-IRQ receive layer sitting between link drivers and
// the registered per-ethertype protocol handlers (ARP, IP).
type Stack struct {
	mu       sync.Mutex
	queues   map[uint16]*queue.Queue[receiveEntry]
	handlers map[uint16]Handler

	loop    *irq.Loop
	softIRQ int
}

// New creates a Stack that drains onto loop's soft-IRQ.
func New(loop *irq.Loop) *Stack {
	s := &Stack{
		queues:   make(map[uint16]*queue.Queue[receiveEntry]),
		handlers: make(map[uint16]Handler),
		loop:     loop,
		softIRQ:  irq.SoftIRQ,
	}
	_ = loop.RequestIRQ(irq.SoftIRQ, "soft-irq", irq.Shared, s.drain)
	return s
}

// RegisterHandler installs handler for ethertype and gives it a receive
// queue. A device whose InputFunc calls NetInputHandler for an
// unregistered ethertype has its frames silently dropped.
func (s *Stack) RegisterHandler(ethertype uint16, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[ethertype] = &queue.Queue[receiveEntry]{}
	s.handlers[ethertype] = handler
}

// NetInputHandler copies data into a freshly allocated queue entry
// appended to ethertype's receive queue and raises the soft-IRQ. Unknown
// ethertypes are dropped silently.
func (s *Stack) NetInputHandler(ethertype uint16, data []byte, dev *device.Device) {
	s.mu.Lock()
	q, ok := s.queues[ethertype]
	if !ok {
		s.mu.Unlock()
		return
	}
	cp := append([]byte(nil), data...)
	q.Push(receiveEntry{data: cp, dev: dev})
	s.mu.Unlock()

	s.loop.Raise(s.softIRQ)
}

// AttachDevice wires dev's Ethernet frame demultiplexing to this stack's
// NetInputHandler, the way every registered device's InputFunc is set
// before its driver is opened.
func (s *Stack) AttachDevice(dev *device.Device) {
	ether.SetInputHandler(dev, func(ethertype uint16, payload []byte, dev *device.Device) {
		s.NetInputHandler(ethertype, payload, dev)
	})
}

// drain runs on the worker goroutine (soft-IRQ handler): it pops every
// queued entry for every registered ethertype and runs it through that
// ethertype's handler, in FIFO order per queue.
func (s *Stack) drain() {
	s.mu.Lock()
	ethertypes := make([]uint16, 0, len(s.queues))
	for t := range s.queues {
		ethertypes = append(ethertypes, t)
	}
	s.mu.Unlock()

	for _, t := range ethertypes {
		s.drainOne(t)
	}
}

func (s *Stack) drainOne(ethertype uint16) {
	for {
		s.mu.Lock()
		q := s.queues[ethertype]
		h := s.handlers[ethertype]
		entry, ok := q.Pop()
		s.mu.Unlock()
		if !ok {
			return
		}
		if err := h(entry.data, entry.dev); err != nil {
			slog.Debug("netstack: handler dropped frame", "ethertype", ethertype, "dev", entry.dev.Name, "err", err)
		}
	}
}

// RegisterARP wires ethernet ARP frames to cache's Input, resolving the
// receiving device's IP interface (if any) itself since arp.Input needs
// it for the target-address match/merge rule.
func RegisterARP(s *Stack, cache *arp.Cache) {
	s.RegisterHandler(ether.TypeARP, func(data []byte, dev *device.Device) error {
		var iface arp.IPIface
		if ifaceAny, ok := dev.Iface(device.FamilyIP); ok {
			iface = ifaceAny.(*ip.IPIface)
		}
		return arp.Input(cache, iface, data, dev)
	})
}

// RegisterIP wires ethernet/loopback IP frames directly to the stack's
// Input, which already resolves the receiving interface and dispatches
// by protocol number.
func RegisterIP(s *Stack, stack *ip.Stack) {
	s.RegisterHandler(ether.TypeIP, stack.Input)
}
