package icmp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netstackd/netstackd/internal/device"
	"github.com/netstackd/netstackd/internal/ip"
	"github.com/netstackd/netstackd/internal/octet"
)

type captureOps struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureOps) Open(*device.Device) error  { return nil }
func (c *captureOps) Close(*device.Device) error { return nil }
func (c *captureOps) Transmit(d *device.Device, ethertype uint16, data []byte, dst []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func newTestStack(t *testing.T) (*ip.Stack, *ip.IPIface, *captureOps) {
	t.Helper()
	ops := &captureOps{}
	dev := &device.Device{Type: device.TypeLoopback, MTU: 65535, Flags: device.FlagLoopback, Ops: ops}
	reg := device.NewRegistry()
	require.NoError(t, reg.Register(dev))
	require.NoError(t, dev.Open())

	s := ip.NewStack()
	addr, err := octet.PTOA("127.0.0.1")
	require.NoError(t, err)
	mask, err := octet.PTOA("255.0.0.0")
	require.NoError(t, err)
	iface := ip.NewIface(addr, mask)
	require.NoError(t, s.RegisterIface(dev, iface))
	return s, iface, ops
}

func TestInputRepliesToEcho(t *testing.T) {
	t.Parallel()
	s, iface, ops := newTestStack(t)

	req := marshal(Header{Type: TypeEcho, Code: 0, Values: 0x00010002}, []byte("ping"))
	require.NoError(t, Input(s, req, iface.Unicast(), iface.Unicast(), iface))

	require.Len(t, ops.sent, 1)
	datagram := ops.sent[0]
	hdr, hlen, err := ip.ParseHeader(datagram)
	require.NoError(t, err)
	assert.Equal(t, ip.ProtoICMP, hdr.Protocol)

	replyHdr, err := parseHeader(datagram[hlen:])
	require.NoError(t, err)
	assert.Equal(t, TypeEchoReply, replyHdr.Type)
	assert.Equal(t, uint32(0x00010002), replyHdr.Values)
	assert.Equal(t, "ping", string(datagram[hlen+HeaderSize:]))
}

func TestInputIgnoresEchoReply(t *testing.T) {
	t.Parallel()
	s, iface, ops := newTestStack(t)

	msg := marshal(Header{Type: TypeEchoReply}, []byte("pong"))
	require.NoError(t, Input(s, msg, iface.Unicast(), iface.Unicast(), iface))
	assert.Empty(t, ops.sent)
}

func TestInputRejectsBadChecksum(t *testing.T) {
	t.Parallel()
	s, iface, _ := newTestStack(t)
	msg := marshal(Header{Type: TypeEcho}, []byte("ping"))
	msg[2] ^= 0xff
	assert.Error(t, Input(s, msg, iface.Unicast(), iface.Unicast(), iface))
}
