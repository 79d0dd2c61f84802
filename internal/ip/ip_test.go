package ip

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netstackd/netstackd/internal/device"
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

func newLoopbackLikeStack(t *testing.T) (*Stack, *IPIface, *captureOps) {
	t.Helper()
	ops := &captureOps{}
	dev := &device.Device{Type: device.TypeLoopback, MTU: 65535, Flags: device.FlagLoopback, Ops: ops}
	reg := device.NewRegistry()
	require.NoError(t, reg.Register(dev))
	require.NoError(t, dev.Open())

	s := NewStack()
	addr, err := octet.PTOA("127.0.0.1")
	require.NoError(t, err)
	mask, err := octet.PTOA("255.0.0.0")
	require.NoError(t, err)
	iface := NewIface(addr, mask)
	require.NoError(t, s.RegisterIface(dev, iface))
	return s, iface, ops
}

func TestOutputRejectsAddrAny(t *testing.T) {
	t.Parallel()
	s, _, _ := newLoopbackLikeStack(t)
	_, err := s.Output(ProtoUDP, []byte("x"), octet.AddrAny, octet.AddrBroadcast)
	assert.Error(t, err)
}

func TestOutputBuildsHeaderAndTransmits(t *testing.T) {
	t.Parallel()
	s, iface, ops := newLoopbackLikeStack(t)

	n, err := s.Output(ProtoUDP, []byte("payload"), iface.Unicast(), iface.Unicast())
	require.NoError(t, err)
	assert.Equal(t, len("payload"), n)

	require.Len(t, ops.sent, 1)
	datagram := ops.sent[0]
	hdr, hlen, err := ParseHeader(datagram)
	require.NoError(t, err)
	assert.Equal(t, HeaderSizeMin, hlen)
	assert.Equal(t, ProtoUDP, hdr.Protocol)
	assert.Equal(t, uint8(255), hdr.TTL)
	assert.NoError(t, VerifyInput(datagram, hlen))
}

func TestOutputAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()
	s, iface, ops := newLoopbackLikeStack(t)

	_, err := s.Output(ProtoUDP, []byte("a"), iface.Unicast(), iface.Unicast())
	require.NoError(t, err)
	_, err = s.Output(ProtoUDP, []byte("b"), iface.Unicast(), iface.Unicast())
	require.NoError(t, err)

	h0, _, err := ParseHeader(ops.sent[0])
	require.NoError(t, err)
	h1, _, err := ParseHeader(ops.sent[1])
	require.NoError(t, err)
	assert.Equal(t, h0.ID+1, h1.ID)
	assert.GreaterOrEqual(t, h0.ID, uint16(128))
}

func TestInputDispatchesToRegisteredProtocol(t *testing.T) {
	t.Parallel()
	s, iface, _ := newLoopbackLikeStack(t)

	var gotPayload []byte
	require.NoError(t, s.RegisterProtocol(ProtoUDP, func(payload []byte, src, dst uint32, i *IPIface) {
		gotPayload = payload
	}))

	datagram := buildHeader(ProtoUDP, 1, iface.Unicast(), iface.Unicast(), []byte("hi"))
	require.NoError(t, s.Input(datagram, iface.Dev()))
	assert.Equal(t, "hi", string(gotPayload))
}

func TestInputDropsForeignDestination(t *testing.T) {
	t.Parallel()
	s, iface, _ := newLoopbackLikeStack(t)

	var called bool
	require.NoError(t, s.RegisterProtocol(ProtoUDP, func([]byte, uint32, uint32, *IPIface) { called = true }))

	other, _ := octet.PTOA("10.1.1.1")
	datagram := buildHeader(ProtoUDP, 1, iface.Unicast(), other, []byte("hi"))
	require.NoError(t, s.Input(datagram, iface.Dev()))
	assert.False(t, called)
}

func TestInputRejectsBadChecksum(t *testing.T) {
	t.Parallel()
	s, iface, _ := newLoopbackLikeStack(t)
	datagram := buildHeader(ProtoUDP, 1, iface.Unicast(), iface.Unicast(), []byte("hi"))
	datagram[11] ^= 0xff // corrupt checksum low byte
	assert.Error(t, s.Input(datagram, iface.Dev()))
}

func TestOutputDeviceQueuesDatagramBehindIncompleteARP(t *testing.T) {
	t.Parallel()
	ops := &captureOps{}
	dev := &device.Device{Type: device.TypeEthernet, MTU: 1500, Flags: device.FlagBroadcast | device.FlagNeedARP, Ops: ops}
	dev.Addr = [16]byte{0x02, 0, 0, 0, 0, 1}
	dev.Broadcast = [16]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	reg := device.NewRegistry()
	require.NoError(t, reg.Register(dev))
	require.NoError(t, dev.Open())

	s := NewStack()
	addr, err := octet.PTOA("10.0.0.1")
	require.NoError(t, err)
	mask, err := octet.PTOA("255.255.255.0")
	require.NoError(t, err)
	iface := NewIface(addr, mask)
	require.NoError(t, s.RegisterIface(dev, iface))

	dst, err := octet.PTOA("10.0.0.2")
	require.NoError(t, err)

	err = s.OutputDevice(iface, []byte("datagram"), dst)
	assert.ErrorIs(t, err, ErrARPIncomplete)
	require.Len(t, ops.sent, 1) // the ARP request, queued datagram not yet flushed
}

func TestOutputDeviceResolvesGatewayForOffLinkDestination(t *testing.T) {
	t.Parallel()
	ops := &captureOps{}
	dev := &device.Device{Type: device.TypeEthernet, MTU: 1500, Flags: device.FlagBroadcast | device.FlagNeedARP, Ops: ops}
	dev.Addr = [16]byte{0x02, 0, 0, 0, 0, 1}
	dev.Broadcast = [16]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	reg := device.NewRegistry()
	require.NoError(t, reg.Register(dev))
	require.NoError(t, dev.Open())

	s := NewStack()
	addr, err := octet.PTOA("10.0.0.1")
	require.NoError(t, err)
	mask, err := octet.PTOA("255.255.255.0")
	require.NoError(t, err)
	iface := NewIface(addr, mask)
	require.NoError(t, s.RegisterIface(dev, iface))

	gw, err := octet.PTOA("10.0.0.254")
	require.NoError(t, err)
	s.Routes.SetDefaultGateway(iface, gw)

	offLink, err := octet.PTOA("192.0.2.1")
	require.NoError(t, err)
	err = s.OutputDevice(iface, []byte("datagram"), offLink)
	assert.ErrorIs(t, err, ErrARPIncomplete)

	// The ARP request on the wire must target the gateway, not the final
	// destination.
	require.Len(t, ops.sent, 1)
	request := ops.sent[0]
	require.Len(t, request, 28)
	tpa := binary.BigEndian.Uint32(request[24:28])
	assert.Equal(t, gw, tpa)
}

func TestRouteTableLongestPrefixMatch(t *testing.T) {
	t.Parallel()
	rt := NewRouteTable()
	addr, _ := octet.PTOA("10.0.0.1")
	mask8, _ := octet.PTOA("255.0.0.0")
	mask24, _ := octet.PTOA("255.255.255.0")

	ifaceWide := NewIface(addr, mask8)
	ifaceNarrow := NewIface(addr, mask24)
	net, _ := octet.PTOA("10.0.0.0")
	rt.Add(net, mask8, 0, ifaceWide)
	rt.Add(net, mask24, 0, ifaceNarrow)

	dst, _ := octet.PTOA("10.0.0.200")
	r, ok := rt.Lookup(dst)
	require.True(t, ok)
	assert.Same(t, ifaceNarrow, r.Iface)
}

func TestSetDefaultGatewayInstallsZeroRoute(t *testing.T) {
	t.Parallel()
	rt := NewRouteTable()
	iface := NewIface(0, 0)
	gw, _ := octet.PTOA("192.168.1.1")
	rt.SetDefaultGateway(iface, gw)

	dst, _ := octet.PTOA("8.8.8.8")
	r, ok := rt.Lookup(dst)
	require.True(t, ok)
	assert.Equal(t, gw, r.Nexthop)
}
