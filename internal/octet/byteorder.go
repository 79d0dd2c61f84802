// Package octet provides the byte-order and checksum primitives every wire
// format in the stack is built on: 16/32-bit network/host swaps and the
// Internet checksum (RFC 1071).
package octet

// Htons converts a 16-bit value from host to network byte order.
func Htons(v uint16) uint16 { return swap16(v) }

// Ntohs converts a 16-bit value from network to host byte order.
func Ntohs(v uint16) uint16 { return swap16(v) }

// Htonl converts a 32-bit value from host to network byte order.
func Htonl(v uint32) uint32 { return swap32(v) }

// Ntohl converts a 32-bit value from network to host byte order.
func Ntohl(v uint32) uint32 { return swap32(v) }

func swap16(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

func swap32(v uint32) uint32 {
	return (v << 24) | ((v & 0xff00) << 8) | ((v >> 8) & 0xff00) | (v >> 24)
}
