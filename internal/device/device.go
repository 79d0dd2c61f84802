// Package device implements the device and interface registry: device
// allocation with monotonically increasing index/name, MTU/flags/hlen/
// alen, and the per-device interface list keyed by family.
package device

import (
	"errors"
	"fmt"
	"sync"
)

// Type identifies the kind of device, determining which link driver and
// framing apply.
type Type int

const (
	TypeDummy Type = iota
	TypeLoopback
	TypeEthernet
)

func (t Type) String() string {
	switch t {
	case TypeDummy:
		return "dummy"
	case TypeLoopback:
		return "loopback"
	case TypeEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// Flag is a bit set of device capability/state flags.
type Flag uint32

const (
	FlagUp Flag = 1 << iota
	FlagLoopback
	FlagBroadcast
	FlagP2P
	FlagNeedARP
)

func (d *Device) Has(f Flag) bool { return d.Flags&f != 0 }

// Family tags an Iface by address family. Only IP is in scope.
type Family int

const FamilyIP Family = 1

// Iface is implemented by address-family-specific interface types
// (ip.IPIface) attached to a Device. Composition, not inheritance: the
// concrete type embeds whatever base fields it needs and the Device holds
// a non-owning back-reference set by AddIface.
type Iface interface {
	Family() Family
}

// Ops is the set of operations a link driver supplies.
type Ops interface {
	Open(d *Device) error
	Close(d *Device) error
	// Transmit hands a fully-framed payload (for non-Ethernet devices, the
	// protocol payload itself) to the driver for delivery. dst is the
	// destination hardware address for devices that need one, nil
	// otherwise.
	Transmit(d *Device, ethertype uint16, data []byte, dst []byte) error
}

// Device is one link-level device. Ifaces and Flags are the only fields
// mutated after registration.
type Device struct {
	mu sync.Mutex

	Index int
	Name  string
	Type  Type
	MTU   int
	Flags Flag
	HLen  int
	ALen  int

	Addr      [16]byte
	Broadcast [16]byte // or Peer, for P2P devices

	Ops  Ops
	Priv any

	Ifaces []Iface
}

var (
	ErrAlreadyUp       = errors.New("device: already open")
	ErrNotUp           = errors.New("device: not open")
	ErrTooLong         = errors.New("device: payload exceeds mtu")
	ErrFamilyExists    = errors.New("device: interface family already registered")
	ErrTransmitFailure = errors.New("device: transmit failure")
)

// AddIface attaches iface to the device, failing if another interface of
// the same family is already present (at most one per family).
func (d *Device) AddIface(iface Iface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.Ifaces {
		if existing.Family() == iface.Family() {
			return fmt.Errorf("%w: dev=%s family=%v", ErrFamilyExists, d.Name, iface.Family())
		}
	}
	d.Ifaces = append(d.Ifaces, iface)
	return nil
}

// Iface returns the interface registered for family, if any.
func (d *Device) Iface(family Family) (Iface, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, iface := range d.Ifaces {
		if iface.Family() == family {
			return iface, true
		}
	}
	return nil, false
}

// IsUp reports whether the device has been opened.
func (d *Device) IsUp() bool { return d.Has(FlagUp) }

// Open invokes the driver's Open hook and sets FlagUp.
func (d *Device) Open() error {
	if d.IsUp() {
		return fmt.Errorf("%w: dev=%s", ErrAlreadyUp, d.Name)
	}
	if err := d.Ops.Open(d); err != nil {
		return fmt.Errorf("device: open dev=%s: %w", d.Name, err)
	}
	d.Flags |= FlagUp
	return nil
}

// Close invokes the driver's Close hook and clears FlagUp.
func (d *Device) Close() error {
	if !d.IsUp() {
		return fmt.Errorf("%w: dev=%s", ErrNotUp, d.Name)
	}
	if err := d.Ops.Close(d); err != nil {
		return fmt.Errorf("device: close dev=%s: %w", d.Name, err)
	}
	d.Flags &^= FlagUp
	return nil
}

// Output validates the device is UP and len<=mtu, then calls Ops.Transmit.
// It is the only path by which link/ether/arp/ip code reaches a driver.
func (d *Device) Output(ethertype uint16, data []byte, dst []byte) error {
	if !d.IsUp() {
		return fmt.Errorf("%w: dev=%s", ErrNotUp, d.Name)
	}
	if len(data) > d.MTU {
		return fmt.Errorf("%w: dev=%s mtu=%d len=%d", ErrTooLong, d.Name, d.MTU, len(data))
	}
	if err := d.Ops.Transmit(d, ethertype, data, dst); err != nil {
		return fmt.Errorf("%w: dev=%s: %w", ErrTransmitFailure, d.Name, err)
	}
	return nil
}
