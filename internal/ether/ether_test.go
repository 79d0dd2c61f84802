package ether

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netstackd/netstackd/internal/device"
)

func testDevice() *device.Device {
	d := &device.Device{Type: device.TypeEthernet, MTU: MTU, HLen: AddrLen, ALen: AddrLen}
	d.Addr = [16]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	d.Broadcast = [16]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	return d
}

func TestBuildFramePadsShortPayload(t *testing.T) {
	t.Parallel()

	d := testDevice()
	frame, err := BuildFrame(d, TypeARP, []byte{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Len(t, frame, MinFrame)
	assert.Equal(t, d.Broadcast[:6], frame[0:6])
	assert.Equal(t, d.Addr[:6], frame[6:12])
	assert.Equal(t, []byte{0x08, 0x06}, frame[12:14])
}

func TestBuildFrameRejectsOversizePayload(t *testing.T) {
	t.Parallel()

	d := testDevice()
	_, err := BuildFrame(d, TypeIP, make([]byte, MaxPayload+1), nil)
	assert.Error(t, err)
}

func TestInputHelperFiltersForeignUnicast(t *testing.T) {
	t.Parallel()

	d := testDevice()
	var got []byte
	SetInputHandler(d, func(ethertype uint16, payload []byte, dev *device.Device) {
		got = payload
	})

	other := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x99}
	frame, err := BuildFrame(d, TypeIP, []byte("hello"), other[:])
	require.NoError(t, err)
	// Feed a frame whose destination is another station's unicast
	// address to d, as if it had been overheard on the wire.
	foreign := append([]byte(nil), frame...)
	copy(foreign[0:6], other[:])

	InputHelper(d, foreign)
	assert.Nil(t, got)
}

func TestInputHelperAcceptsShortUnpaddedFrame(t *testing.T) {
	t.Parallel()

	d := testDevice()
	var gotType uint16
	var gotPayload []byte
	SetInputHandler(d, func(ethertype uint16, payload []byte, dev *device.Device) {
		gotType = ethertype
		gotPayload = payload
	})

	// A 42-byte ARP request as a host TAP delivers it: no padding to the
	// 60-byte transmit floor.
	payload := make([]byte, 28)
	payload[7] = 1
	frame := make([]byte, HeaderSize+len(payload))
	copy(frame[0:6], d.Broadcast[:6])
	copy(frame[6:12], []byte{0x02, 0, 0, 0, 0, 0x99})
	frame[12], frame[13] = 0x08, 0x06
	copy(frame[HeaderSize:], payload)

	InputHelper(d, frame)

	assert.Equal(t, TypeARP, gotType)
	assert.Equal(t, payload, gotPayload)
}

func TestInputHelperAcceptsOwnUnicastAndBroadcast(t *testing.T) {
	t.Parallel()

	d := testDevice()
	var gotType uint16
	var gotPayload []byte
	SetInputHandler(d, func(ethertype uint16, payload []byte, dev *device.Device) {
		gotType = ethertype
		gotPayload = payload
	})

	frame, err := BuildFrame(d, TypeIP, []byte("hello"), d.Addr[:6])
	require.NoError(t, err)
	InputHelper(d, frame)

	assert.Equal(t, TypeIP, gotType)
	require.GreaterOrEqual(t, len(gotPayload), 5)
	assert.Equal(t, "hello", string(gotPayload[:5]))
}
