package trial

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bpod/internal/bpoderr"
	"bpod/internal/codec"
	"bpod/internal/compiler"
	"bpod/internal/hardware"
	"bpod/internal/layout"
	"bpod/internal/logging"
	"bpod/internal/session"
)

type fakeTransport struct {
	in     []byte
	pos    int
	writes [][]byte
}

func (f *fakeTransport) Write(ctx context.Context, b []byte) error {
	f.writes = append(f.writes, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) ReadByte(ctx context.Context, timeout time.Duration) (byte, error) {
	buf, err := f.ReadExact(ctx, 1, timeout)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (f *fakeTransport) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	if f.pos+n > len(f.in) {
		return nil, errShortStream
	}
	b := f.in[f.pos : f.pos+n]
	f.pos += n
	return b, nil
}

func (f *fakeTransport) Close() error { return nil }

var errShortStream = errors.New("trial: fake stream exhausted")

func u32le(v uint32) []byte {
	w := codec.NewWriter(4)
	_ = w.U32(int64(v))
	return w.Bytes()
}

func testDescriptor(t *testing.T) (*hardware.Descriptor, *layout.Layout) {
	t.Helper()
	d := hardware.NewDescriptor(128, 100, 20, 5, 5, 5,
		[]byte{'P', 'P'}, []byte{'V', 'V', 'P', 'P'}, nil, 22, 3)
	l, err := layout.Resolve(d, hardware.NewModuleRegistry(d.NUARTChannels()))
	require.NoError(t, err)
	return d, l
}

func TestRunDecodesStatesAndEvents(t *testing.T) {
	d, l := testDescriptor(t)
	stateNames := []string{"s1", "s2"}

	var stream []byte
	stream = append(stream, statusInstallOK)
	stream = append(stream, opcodeStateBundle, 1)
	stream = append(stream, u32le(0)...)
	stream = append(stream, 0) // enter s1 at tick 0
	stream = append(stream, opcodeStateBundle, 1)
	stream = append(stream, u32le(100)...)
	stream = append(stream, 1) // enter s2 at tick 100
	stream = append(stream, opcodeSoftcode, 5)
	stream = append(stream, u32le(150)...)
	stream = append(stream, opcodeStateBundle, 1)
	stream = append(stream, u32le(200)...)
	stream = append(stream, byte(len(stateNames))) // first real event, index 0
	stream = append(stream, opcodeTrialEnd)
	stream = append(stream, u32le(300)...)

	ft := &fakeTransport{in: stream}
	sink := session.NewMemorySink()
	r := New(ft, d, l, sink, logging.Discard())

	out, err := r.Run(context.Background(), TrialID(1), stateNames, compiler.CompiledDescriptor{})
	require.NoError(t, err)

	require.Len(t, out.States, 2)
	assert.Equal(t, "s1", out.States[0].Name)
	assert.InDelta(t, 0.0, out.States[0].Start, 1e-9)
	assert.InDelta(t, 0.01, out.States[0].End, 1e-9)
	assert.Equal(t, "s2", out.States[1].Name)
	assert.InDelta(t, 0.01, out.States[1].Start, 1e-9)
	assert.InDelta(t, 0.03, out.States[1].End, 1e-9)

	require.Len(t, out.Events, 1)
	assert.Equal(t, l.EventNames[0], out.Events[0].Name)

	require.Len(t, out.Softcodes, 1)
	assert.Equal(t, 5, out.Softcodes[0].Code)

	require.Len(t, sink.Trials, 1)
	assert.Equal(t, 1, sink.Trials[0].ID)
}

func TestRunReportsUnvisitedStates(t *testing.T) {
	d, l := testDescriptor(t)
	stateNames := []string{"s1", "s2", "never"}

	var stream []byte
	stream = append(stream, statusInstallOK)
	stream = append(stream, opcodeStateBundle, 1)
	stream = append(stream, u32le(0)...)
	stream = append(stream, 0)
	stream = append(stream, opcodeTrialEnd)
	stream = append(stream, u32le(50)...)

	ft := &fakeTransport{in: stream}
	sink := session.NewMemorySink()
	r := New(ft, d, l, sink, logging.Discard())

	out, err := r.Run(context.Background(), TrialID(2), stateNames, compiler.CompiledDescriptor{})
	require.NoError(t, err)

	var neverOcc *session.StateOccurrence
	for i := range out.States {
		if out.States[i].Name == "never" {
			neverOcc = &out.States[i]
		}
	}
	require.NotNil(t, neverOcc)
	assert.True(t, math.IsNaN(neverOcc.Start))
	assert.True(t, math.IsNaN(neverOcc.End))
}

func TestRunInstallRejected(t *testing.T) {
	d, l := testDescriptor(t)
	ft := &fakeTransport{in: []byte{0}}
	sink := session.NewMemorySink()
	r := New(ft, d, l, sink, logging.Discard())

	_, err := r.Run(context.Background(), TrialID(1), []string{"s1"}, compiler.CompiledDescriptor{})
	assert.Error(t, err)
}

func TestRunCancellation(t *testing.T) {
	d, l := testDescriptor(t)
	stateNames := []string{"s1"}

	var stream []byte
	stream = append(stream, statusInstallOK)
	stream = append(stream, opcodeStateBundle, 1)
	stream = append(stream, u32le(0)...)
	stream = append(stream, 0)
	stream = append(stream, opcodeTrialEnd)
	stream = append(stream, u32le(10)...)

	ft := &fakeTransport{in: stream}
	sink := session.NewMemorySink()
	r := New(ft, d, l, sink, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, TrialID(3), stateNames, compiler.CompiledDescriptor{})
	assert.ErrorIs(t, err, bpoderr.ErrCancelled)
}
