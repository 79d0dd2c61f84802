package link

import (
	"log/slog"

	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/irq"
)

type dummy struct {
	irq  int
	loop *irq.Loop
	dev  *device.Device
}

func (d *dummy) Open(*device.Device) error  { return nil }
func (d *dummy) Close(*device.Device) error { return nil }

// Transmit discards the frame; dummy exists for exercising the stack's
// output path without a real link underneath, and deliberately raises its
// IRQ on every send so the soft-IRQ path still runs.
func (d *dummy) Transmit(dev *device.Device, ethertype uint16, data []byte, dst []byte) error {
	slog.Debug("link: dummy transmit", "dev", dev.Name, "ethertype", ethertype, "len", len(data))
	d.loop.Raise(d.irq)
	return nil
}

// NewDummy registers a dummy device with reg. Its IRQ has no handler
// attached by default; callers that want to observe the raises may
// RequestIRQ on the returned number.
func NewDummy(reg *device.Registry, l *irq.Loop) (*device.Device, int, error) {
	dd := &dummy{irq: l.AllocateIRQ(), loop: l}

	d := &device.Device{
		Type: device.TypeDummy,
		MTU:  65535,
		Ops:  dd,
	}
	if err := reg.Register(d); err != nil {
		return nil, 0, err
	}
	dd.dev = d
	return d, dd.irq, nil
}
