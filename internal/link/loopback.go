// Package link provides the link-layer drivers: a loopback device that
// feeds its own transmissions back to the stack, a dummy device that
// discards everything, and (linux-only) an Ethernet TAP device. Each
// driver raises a pseudo-IRQ through the irq.Loop passed to it rather
// than delivering frames synchronously from Transmit: push to a queue,
// wake the worker.
package link

import (
	"fmt"
	"sync"

	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/irq"
	"github.com/netstackd/netstackd/internal/queue"
)

const loopbackQueueLimit = 16

// InputFunc is invoked by a driver's interrupt handler for each frame it
// has dequeued, delivering it into the protocol stack's soft-IRQ path.
type InputFunc func(ethertype uint16, data []byte, dev *device.Device)

type loopbackEntry struct {
	ethertype uint16
	data      []byte
}

type loopback struct {
	mu    sync.Mutex
	q     queue.Queue[loopbackEntry]
	irq   int
	loop  *irq.Loop
	input InputFunc
	dev   *device.Device
}

func (l *loopback) Open(*device.Device) error  { return nil }
func (l *loopback) Close(*device.Device) error { return nil }

func (l *loopback) Transmit(d *device.Device, ethertype uint16, data []byte, dst []byte) error {
	l.mu.Lock()
	if l.q.Len() >= loopbackQueueLimit {
		l.mu.Unlock()
		return fmt.Errorf("link: loopback queue full, dev=%s", d.Name)
	}
	cp := append([]byte(nil), data...)
	l.q.Push(loopbackEntry{ethertype: ethertype, data: cp})
	l.mu.Unlock()

	l.loop.Raise(l.irq)
	return nil
}

func (l *loopback) isr() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		entry, ok := l.q.Pop()
		if !ok {
			return
		}
		l.input(entry.ethertype, entry.data, l.dev)
	}
}

// NewLoopback registers a loopback device with reg, delivering received
// frames to input via a shared IRQ on l.
func NewLoopback(reg *device.Registry, l *irq.Loop, input InputFunc) (*device.Device, error) {
	lb := &loopback{irq: l.AllocateIRQ(), loop: l, input: input}

	d := &device.Device{
		Type:  device.TypeLoopback,
		MTU:   65535,
		Flags: device.FlagLoopback,
		HLen:  0,
		ALen:  0,
		Ops:   lb,
	}
	if err := reg.Register(d); err != nil {
		return nil, err
	}
	lb.dev = d

	if err := l.RequestIRQ(lb.irq, d.Name, irq.Shared, lb.isr); err != nil {
		return nil, err
	}
	return d, nil
}
