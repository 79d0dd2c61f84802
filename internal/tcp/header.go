package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	HeaderSize = 20

	flagFIN uint8 = 0x01
	flagSYN uint8 = 0x02
	flagRST uint8 = 0x04
	flagPSH uint8 = 0x08
	flagACK uint8 = 0x10
	flagURG uint8 = 0x20
)

// HeaderType is the gopacket layer type registered for decoded TCP
// segments. Options are not parsed; the data offset only skips them.
var HeaderType = gopacket.RegisterLayerType(1903, gopacket.LayerTypeMetadata{
	Name:    "TCPHeader",
	Decoder: gopacket.DecodeFunc(decodeHeader),
})

// Header is a decoded TCP segment header.
type Header struct {
	layers.BaseLayer
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	Checksum         uint16
	Urgent           uint16
}

func (h *Header) LayerType() gopacket.LayerType { return HeaderType }

func decodeHeader(data []byte, p gopacket.PacketBuilder) error {
	h, hlen, err := parseHeader(data)
	if err != nil {
		return err
	}
	h.Contents = data[:hlen]
	h.Payload = data[hlen:]
	p.AddLayer(h)
	return nil
}

func parseHeader(data []byte) (*Header, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("tcp: segment too short: %d", len(data))
	}
	hlen := int(data[12]>>4) << 2
	if hlen < HeaderSize || len(data) < hlen {
		return nil, 0, fmt.Errorf("tcp: invalid data offset: %d", hlen)
	}
	h := &Header{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Seq:      binary.BigEndian.Uint32(data[4:8]),
		Ack:      binary.BigEndian.Uint32(data[8:12]),
		Flags:    data[13],
		Window:   binary.BigEndian.Uint16(data[14:16]),
		Checksum: binary.BigEndian.Uint16(data[16:18]),
		Urgent:   binary.BigEndian.Uint16(data[18:20]),
	}
	return h, hlen, nil
}

// marshalHeader serializes a no-options TCP segment, leaving the checksum
// field as whatever the caller placed in h.Checksum (callers compute it
// over the fully assembled buffer and patch it in afterward).
func marshalHeader(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = uint8(HeaderSize>>2) << 4
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], 0)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	copy(buf[HeaderSize:], payload)
	return buf
}

func flagString(flg uint8) string {
	set := func(bit uint8, c byte) byte {
		if flg&bit != 0 {
			return c
		}
		return '-'
	}
	return string([]byte{
		set(flagURG, 'U'), set(flagACK, 'A'), set(flagPSH, 'P'),
		set(flagRST, 'R'), set(flagSYN, 'S'), set(flagFIN, 'F'),
	})
}
