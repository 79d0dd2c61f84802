package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOps struct {
	openErr, closeErr, transmitErr error
	transmitted                    [][]byte
}

func (f *fakeOps) Open(d *Device) error  { return f.openErr }
func (f *fakeOps) Close(d *Device) error { return f.closeErr }
func (f *fakeOps) Transmit(d *Device, ethertype uint16, data []byte, dst []byte) error {
	if f.transmitErr != nil {
		return f.transmitErr
	}
	f.transmitted = append(f.transmitted, data)
	return nil
}

type fakeIface struct{ family Family }

func (f fakeIface) Family() Family { return f.family }

func newTestDevice(ops Ops) *Device {
	return &Device{Type: TypeDummy, MTU: 1500, Ops: ops}
}

func TestRegistryAssignsSequentialNames(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	d0 := newTestDevice(&fakeOps{})
	d1 := newTestDevice(&fakeOps{})
	require.NoError(t, r.Register(d0))
	require.NoError(t, r.Register(d1))

	assert.Equal(t, 0, d0.Index)
	assert.Equal(t, "net0", d0.Name)
	assert.Equal(t, 1, d1.Index)
	assert.Equal(t, "net1", d1.Name)

	got, ok := r.ByName("net1")
	assert.True(t, ok)
	assert.Same(t, d1, got)

	got, ok = r.ByIndex(0)
	assert.True(t, ok)
	assert.Same(t, d0, got)

	_, ok = r.ByIndex(99)
	assert.False(t, ok)

	assert.Len(t, r.All(), 2)
}

func TestRegisterRejectsNilOps(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.Register(&Device{Type: TypeDummy})
	assert.Error(t, err)
}

func TestOpenCloseTogglesUpFlag(t *testing.T) {
	t.Parallel()

	d := newTestDevice(&fakeOps{})
	assert.False(t, d.IsUp())

	require.NoError(t, d.Open())
	assert.True(t, d.IsUp())
	assert.ErrorIs(t, d.Open(), ErrAlreadyUp)

	require.NoError(t, d.Close())
	assert.False(t, d.IsUp())
	assert.ErrorIs(t, d.Close(), ErrNotUp)
}

func TestOutputRequiresUpAndRespectsMTU(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	d := newTestDevice(ops)
	d.MTU = 4

	err := d.Output(0x0800, []byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrNotUp)

	require.NoError(t, d.Open())

	require.NoError(t, d.Output(0x0800, []byte{1, 2, 3}, nil))
	assert.Len(t, ops.transmitted, 1)

	err = d.Output(0x0800, []byte{1, 2, 3, 4, 5}, nil)
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestOutputWrapsTransmitError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := newTestDevice(&fakeOps{transmitErr: boom})
	require.NoError(t, d.Open())

	err := d.Output(0x0800, []byte{1}, nil)
	assert.ErrorIs(t, err, ErrTransmitFailure)
	assert.ErrorIs(t, err, boom)
}

func TestAddIfaceRejectsDuplicateFamily(t *testing.T) {
	t.Parallel()

	d := newTestDevice(&fakeOps{})
	require.NoError(t, d.AddIface(fakeIface{family: FamilyIP}))
	assert.ErrorIs(t, d.AddIface(fakeIface{family: FamilyIP}), ErrFamilyExists)

	iface, ok := d.Iface(FamilyIP)
	assert.True(t, ok)
	assert.Equal(t, FamilyIP, iface.Family())

	_, ok = d.Iface(Family(99))
	assert.False(t, ok)
}
