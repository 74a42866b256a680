package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func narrowDescriptor() *Descriptor {
	return NewDescriptor(128, 100, 20, 5, 5, 5,
		[]byte{'P', 'P', 'U'}, []byte{'V', 'V', 'P', 'P'},
		nil, 22, 3)
}

func TestNewDescriptorAppendsSyntheticOutputs(t *testing.T) {
	d := narrowDescriptor()
	assert.Equal(t, []byte{'V', 'V', 'P', 'P', 'G', 'G', 'G'}, d.Outputs)
}

func TestSerialMessageMaxBytesByMachineType(t *testing.T) {
	narrow := NewDescriptor(128, 100, 20, 5, 5, 5, nil, nil, nil, 22, 3)
	assert.Equal(t, 3, narrow.SerialMessageMaxBytes)

	wide := NewDescriptor(128, 100, 20, 5, 5, 5, nil, nil, nil, 22, 4)
	assert.Equal(t, 5, wide.SerialMessageMaxBytes)
}

func TestCycleFrequency(t *testing.T) {
	d := narrowDescriptor()
	assert.Equal(t, 10000, d.CycleFrequency())

	zero := NewDescriptor(128, 0, 20, 5, 5, 5, nil, nil, nil, 22, 3)
	assert.Equal(t, 0, zero.CycleFrequency())
}

func TestBpodVersionByFirmware(t *testing.T) {
	old := NewDescriptor(128, 100, 20, 5, 5, 5, nil, nil, nil, 6, 3)
	assert.Equal(t, 5, old.BpodVersion())

	newer := NewDescriptor(128, 100, 20, 5, 5, 5, nil, nil, nil, 7, 3)
	assert.Equal(t, 7, newer.BpodVersion())
}

func TestIsWideFormat(t *testing.T) {
	assert.False(t, narrowDescriptor().IsWideFormat())

	wide := NewDescriptor(128, 100, 20, 5, 5, 5, nil, nil, nil, 22, 4)
	assert.True(t, wide.IsWideFormat())
}

func TestNUARTAndFlexChannelCounts(t *testing.T) {
	d := NewDescriptor(128, 100, 20, 5, 5, 5,
		[]byte{'U', 'U', 'F', 'P'}, []byte{'F', 'P'}, nil, 22, 4)
	assert.Equal(t, 2, d.NUARTChannels())
	assert.Equal(t, 1, d.NFlexChannels())
}

func TestDefaultEnabledInputs(t *testing.T) {
	d := NewDescriptor(128, 100, 20, 5, 5, 5,
		[]byte{'B', 'W', 'P', 'P', 'P', 'P'}, nil, nil, 22, 3)
	assert.Equal(t, []bool{true, true, true, true, true, false}, d.DefaultEnabledInputs())
}
