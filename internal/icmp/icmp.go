// Package icmp implements Echo/EchoReply and the opaque-body diagnostic
// message types, replying synchronously from the input path.
package icmp

import (
	"encoding/binary"
	"fmt"

	"github.com/netstackd/netstackd/internal/ip"
	"github.com/netstackd/netstackd/internal/octet"
)

const (
	TypeEchoReply uint8 = 0
	TypeEcho      uint8 = 8

	HeaderSize = 8
)

// Header is the 8-byte ICMP header preceding the payload: {type, code,
// checksum, a 32-bit opaque value field (identifier+sequence for
// Echo/EchoReply, unused for most diagnostics)}.
type Header struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Values   uint32
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("icmp: message too short: %d", len(data))
	}
	return Header{
		Type:     data[0],
		Code:     data[1],
		Checksum: binary.BigEndian.Uint16(data[2:4]),
		Values:   binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

func marshal(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = h.Type
	buf[1] = h.Code
	binary.BigEndian.PutUint32(buf[4:8], h.Values)
	copy(buf[HeaderSize:], payload)
	sum := octet.Checksum16(buf, 0)
	binary.BigEndian.PutUint16(buf[2:4], sum)
	return buf
}

// Input validates the message, then for an Echo request replies
// synchronously with an EchoReply carrying the same code/values and a
// verbatim copy of the payload.
func Input(stack *ip.Stack, data []byte, src, dst uint32, iface *ip.IPIface) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("icmp: message too short: %d", len(data))
	}
	if octet.Checksum16(data, 0) != 0 {
		return fmt.Errorf("icmp: checksum invalid")
	}
	hdr, err := parseHeader(data)
	if err != nil {
		return err
	}
	payload := data[HeaderSize:]

	if hdr.Type != TypeEcho {
		return nil
	}
	return Output(stack, TypeEchoReply, hdr.Code, hdr.Values, payload, iface.Unicast(), src)
}

// Output builds an ICMP message and submits it to the IP layer with
// protocol number 1.
func Output(stack *ip.Stack, typ, code uint8, values uint32, payload []byte, src, dst uint32) error {
	msg := marshal(Header{Type: typ, Code: code, Values: values}, payload)
	_, err := stack.Output(ip.ProtoICMP, msg, src, dst)
	return err
}
