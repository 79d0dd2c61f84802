package ip

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/netstackd/netstackd/internal/octet"
)

const (
	Version4 = 4

	HeaderSizeMin = 20
	TotalSizeMax  = 65535

	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// HeaderType is the gopacket layer type registered for decoded IPv4
// headers.
var HeaderType = gopacket.RegisterLayerType(1902, gopacket.LayerTypeMetadata{
	Name:    "IPv4Header",
	Decoder: gopacket.DecodeFunc(decodeHeader),
})

// Header is a decoded IPv4 header. Options are not parsed; the header
// length only skips them.
type Header struct {
	layers.BaseLayer
	IHL      uint8
	TOS      uint8
	Total    uint16
	ID       uint16
	Flags    uint8
	FragOff  uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src, Dst uint32
}

func (h *Header) LayerType() gopacket.LayerType { return HeaderType }

func decodeHeader(data []byte, p gopacket.PacketBuilder) error {
	h, hlen, err := ParseHeader(data)
	if err != nil {
		return err
	}
	h.Contents = data[:hlen]
	h.Payload = data[hlen:h.Total]
	p.AddLayer(h)
	return nil
}

// ParseHeader validates and decodes an IPv4 header from data, returning
// the decoded header and its byte length (hlen). It enforces version,
// header-length, and total-length bounds but does not verify the
// checksum — callers that need strict input validation call VerifyInput
// first, which additionally requires a zero-summing checksum. Fragments
// are rejected by Stack.Input, not here.
func ParseHeader(data []byte) (*Header, int, error) {
	if len(data) < HeaderSizeMin {
		return nil, 0, fmt.Errorf("ip: datagram too short: %d", len(data))
	}
	version := data[0] >> 4
	if version != Version4 {
		return nil, 0, fmt.Errorf("ip: unsupported version %d", version)
	}
	hlen := int(data[0]&0x0f) << 2
	if len(data) < hlen {
		return nil, 0, fmt.Errorf("ip: input shorter than header length")
	}
	total := binary.BigEndian.Uint16(data[2:4])
	if len(data) < int(total) {
		return nil, 0, fmt.Errorf("ip: input shorter than total length")
	}

	flagsOffset := binary.BigEndian.Uint16(data[6:8])
	h := &Header{
		IHL:      uint8(hlen >> 2),
		TOS:      data[1],
		Total:    total,
		ID:       binary.BigEndian.Uint16(data[4:6]),
		Flags:    uint8(flagsOffset >> 13),
		FragOff:  flagsOffset & 0x1fff,
		TTL:      data[8],
		Protocol: data[9],
		Checksum: binary.BigEndian.Uint16(data[10:12]),
		Src:      binary.BigEndian.Uint32(data[12:16]),
		Dst:      binary.BigEndian.Uint32(data[16:20]),
	}
	return h, hlen, nil
}

// VerifyInput checks the checksum over the header bytes. It does not look
// at the fragmentation fields; Stack.Input drops fragments separately.
func VerifyInput(data []byte, hlen int) error {
	if octet.Checksum16(data[:hlen], 0) != 0 {
		return fmt.Errorf("ip: header checksum invalid")
	}
	return nil
}

// buildHeader serializes a header for a datagram of len(payload) bytes,
// computing the checksum last over the assembled header bytes.
func buildHeader(protocol uint8, id uint16, src, dst uint32, payload []byte) []byte {
	total := HeaderSizeMin + len(payload)
	buf := make([]byte, total)
	buf[0] = (Version4 << 4) | uint8(HeaderSizeMin>>2)
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], 0)
	buf[8] = 255
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], 0)
	binary.BigEndian.PutUint32(buf[12:16], src)
	binary.BigEndian.PutUint32(buf[16:20], dst)
	sum := octet.Checksum16(buf[:HeaderSizeMin], 0)
	binary.BigEndian.PutUint16(buf[10:12], sum)
	copy(buf[HeaderSizeMin:], payload)
	return buf
}
