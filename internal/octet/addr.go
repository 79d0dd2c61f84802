package octet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ANY and Broadcast are the well-known IPv4 wildcard and limited-broadcast
// addresses, stored as the big-endian uint32 the rest of the stack passes
// around as ip_addr.
const (
	AddrAny       uint32 = 0x00000000
	AddrBroadcast uint32 = 0xffffffff
)

// EtherAddr is a 6-octet hardware address. The zero value is the ANY
// address; EtherBroadcast (all ones) is the broadcast address.
type EtherAddr [6]byte

var EtherBroadcast = EtherAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (a EtherAddr) IsZero() bool      { return a == EtherAddr{} }
func (a EtherAddr) IsBroadcast() bool { return a == EtherBroadcast }

func (a EtherAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseEtherAddr parses a colon-separated MAC address string.
func ParseEtherAddr(s string) (EtherAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return EtherAddr{}, fmt.Errorf("octet: parse ether addr %q: %w", s, err)
	}
	if len(hw) != 6 {
		return EtherAddr{}, fmt.Errorf("octet: ether addr %q is not 6 bytes", s)
	}
	var a EtherAddr
	copy(a[:], hw)
	return a, nil
}

// PTOA parses a dotted-quad IPv4 address string into its big-endian
// uint32 wire representation.
func PTOA(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("octet: invalid ip address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("octet: %q is not an ipv4 address", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// ATOP formats an ip_addr as a dotted-quad string.
func ATOP(addr uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], addr)
	return net.IP(b[:]).String()
}
