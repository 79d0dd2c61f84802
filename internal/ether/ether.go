// Package ether implements Ethernet II framing as a custom gopacket
// layer: header build/parse, type demultiplexing, and min/max frame
// enforcement.
package ether

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/octet"
)

const (
	AddrLen = 6

	HeaderSize = 14
	MinFrame   = 60 // without FCS
	MaxFrame   = 1514
	MinPayload = MinFrame - HeaderSize
	MaxPayload = MaxFrame - HeaderSize

	MTU = MaxPayload
)

const (
	TypeIP   uint16 = 0x0800
	TypeARP  uint16 = 0x0806
	TypeIPv6 uint16 = 0x86dd
)

// FrameType is the gopacket layer type registered for decoded Ethernet
// frames.
var FrameType = gopacket.RegisterLayerType(1900, gopacket.LayerTypeMetadata{
	Name:    "EthernetFrame",
	Decoder: gopacket.DecodeFunc(decodeFrame),
})

// Frame is a decoded Ethernet header plus its payload.
type Frame struct {
	layers.BaseLayer
	Dst, Src  octet.EtherAddr
	EtherType uint16
}

func (f *Frame) LayerType() gopacket.LayerType { return FrameType }

func decodeFrame(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("ether: frame too short: %d", len(data))
	}
	f := &Frame{}
	copy(f.Dst[:], data[0:6])
	copy(f.Src[:], data[6:12])
	f.EtherType = binary.BigEndian.Uint16(data[12:14])
	f.Contents = data[:HeaderSize]
	f.Payload = data[HeaderSize:]
	p.AddLayer(f)
	// Dispatch to IP/ARP/etc. happens by ethertype in InputHelper rather
	// than via further gopacket decoders: each protocol keeps its own
	// receive queue keyed by ethertype, so the receive layer's registry
	// lookup replaces a fixed decode chain.
	return nil
}

// BuildFrame assembles a [dst(6)][src(6)][type(2)][payload] frame, padding
// payloads shorter than the 46-byte floor with zeros. dst is the
// destination hardware address; a nil dst uses the device's own broadcast
// address.
func BuildFrame(dev *device.Device, ethertype uint16, payload []byte, dst []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("ether: payload too large: %d > %d", len(payload), MaxPayload)
	}
	plen := len(payload)
	if plen < MinPayload {
		plen = MinPayload
	}

	frame := make([]byte, HeaderSize+plen)
	if dst != nil {
		copy(frame[0:6], dst)
	} else {
		copy(frame[0:6], dev.Broadcast[:6])
	}
	copy(frame[6:12], dev.Addr[:6])
	binary.BigEndian.PutUint16(frame[12:14], ethertype)
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// InputFunc receives a decoded frame's ethertype and payload together with
// the device it arrived on.
type InputFunc func(ethertype uint16, payload []byte, dev *device.Device)

var (
	inputHandlersMu sync.RWMutex
	inputHandlers   = map[*device.Device]InputFunc{}
)

// InputHelper parses a raw frame read from the wire, filters it to frames
// destined for this device's own unicast or broadcast address, and
// dispatches the decoded payload to the device's registered InputFunc.
// The caller (a link driver) supplies the handler once via
// SetInputHandler before frames start arriving.
func InputHelper(dev *device.Device, raw []byte) {
	// Inbound frames from a host TAP are not padded to the 60-byte
	// transmit floor, so only the header itself is required here.
	if len(raw) < HeaderSize {
		return
	}
	packet := gopacket.NewPacket(raw, FrameType, gopacket.NoCopy)
	layer := packet.Layer(FrameType)
	if layer == nil {
		return
	}
	frame := layer.(*Frame)

	if !frame.Dst.IsBroadcast() {
		var own octet.EtherAddr
		copy(own[:], dev.Addr[:6])
		if frame.Dst != own {
			return
		}
	}

	inputHandlersMu.RLock()
	handler, ok := inputHandlers[dev]
	inputHandlersMu.RUnlock()
	if !ok {
		return
	}
	handler(frame.EtherType, frame.Payload, dev)
}

// SetInputHandler registers the function InputHelper dispatches decoded
// frames to for dev. Call once per device, typically from the stack's
// wiring code, before the device's driver is opened.
func SetInputHandler(dev *device.Device, fn InputFunc) {
	inputHandlersMu.Lock()
	defer inputHandlersMu.Unlock()
	inputHandlers[dev] = fn
}
