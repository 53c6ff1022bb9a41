package can_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/ftcan/ftcan/can"
	"github.com/ftcan/ftcan/codec"
	"github.com/ftcan/ftcan/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptors() []codec.Descriptor {
	return []codec.Descriptor{
		{ID: 0x100, Variables: []codec.VariableSpec{
			{Name: "adc_ch1", Type: codec.Int32BE},
			{Name: "adc_ch2", Type: codec.Int32BE},
		}, DefaultFreq: 10},
		{ID: 0x200, Variables: []codec.VariableSpec{
			{Name: "temp", Type: codec.Int16LE},
		}, DefaultFreq: 1},
	}
}

func newSim(t testing.TB) *can.Sim {
	return can.NewSim(testDescriptors(), rand.New(rand.NewSource(42)), log2.NewTest(t, log2.LDebug))
}

func TestSimRequestResponse(t *testing.T) {
	t.Parallel()
	bus := newSim(t)
	defer bus.Close()

	require.NoError(t, bus.Send(can.NewRTR(0x100)))
	f, ok, err := bus.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x100), f.ID)
	assert.False(t, f.RTR)
	assert.Len(t, f.Data, 8)

	values := codec.Decode(&testDescriptors()[0], f.Data)
	require.Len(t, values, 2)
}

func TestSimFIFOOrder(t *testing.T) {
	t.Parallel()
	bus := newSim(t)
	defer bus.Close()

	require.NoError(t, bus.Send(can.NewRTR(0x100)))
	require.NoError(t, bus.Send(can.NewRTR(0x200)))
	f1, ok, err := bus.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	f2, ok, err := bus.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x100), f1.ID)
	assert.Equal(t, uint32(0x200), f2.ID)
	assert.Len(t, f2.Data, 2)
}

func TestSimReceiveTimeout(t *testing.T) {
	t.Parallel()
	bus := newSim(t)
	defer bus.Close()

	_, ok, err := bus.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSimIgnoresUnknownAndDataFrames(t *testing.T) {
	t.Parallel()
	bus := newSim(t)
	defer bus.Close()

	require.NoError(t, bus.Send(can.NewRTR(0x777)))
	require.NoError(t, bus.Send(can.Frame{ID: 0x100, Data: []byte{1, 2}}))
	_, ok, err := bus.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSimClosed(t *testing.T) {
	t.Parallel()
	bus := newSim(t)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close()) // idempotent

	assert.Equal(t, can.ErrClosed, bus.Send(can.NewRTR(0x100)))
	_, _, err := bus.Receive(10 * time.Millisecond)
	assert.Equal(t, can.ErrClosed, err)
}

func TestFrameValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, can.NewRTR(0x100).Validate())
	f := can.Frame{ID: 0x800}
	assert.Equal(t, can.ErrInvalidID, f.Validate())
	f = can.Frame{ID: 0x800, Extended: true}
	assert.NoError(t, f.Validate())
	f = can.Frame{ID: 1, Data: make([]byte, 9)}
	assert.Equal(t, can.ErrInvalidLen, f.Validate())
}
