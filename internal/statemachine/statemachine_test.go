package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bpod/internal/hardware"
	"bpod/internal/layout"
)

func testLayout(t *testing.T) (*layout.Layout, *hardware.Descriptor) {
	t.Helper()
	d := hardware.NewDescriptor(
		128, 100, 20, 5, 5, 5,
		[]byte{'U', 'P', 'P', 'B', 'B', 'W', 'W'},
		[]byte{'U', 'V', 'V', 'B', 'B', 'W', 'W', 'P', 'P'},
		nil, 23, 4,
	)
	l, err := layout.Resolve(d, hardware.NewModuleRegistry(d.NUARTChannels()))
	require.NoError(t, err)
	return l, d
}

func TestAddStateSimpleTransition(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)

	err := m.AddState("wait_for_poke", 0, map[string]string{
		"Port1In": "reward",
		"Tup":     "exit",
	}, []Action{{Name: "PWM1", Value: 255}})
	require.NoError(t, err)

	err = m.AddState("reward", 0.5, map[string]string{
		"Tup": "exit",
	}, []Action{{Name: "Valve1", Value: 1}})
	require.NoError(t, err)

	assert.Equal(t, []string{"wait_for_poke", "reward"}, m.Manifest)
	require.Len(t, m.InputMatrix[0], 1)
	assert.Equal(t, l.EventIndex("Port1In"), m.InputMatrix[0][0].EventCode)
	assert.Equal(t, UnresolvedDestination(0), m.InputMatrix[0][0].Dest) // "reward" not yet declared

	enc, err := m.StateTimerMatrix[0].Encode(2)
	require.NoError(t, err)
	assert.Equal(t, 2, enc)
}

func TestAddStateForwardReference(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)

	err := m.AddState("first", 0, map[string]string{"Tup": "second"}, nil)
	require.NoError(t, err)

	require.Empty(t, m.InputMatrix[0]) // Tup is filed in StateTimerMatrix
	idx, ok := m.StateTimerMatrix[0].IsUnresolved()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, []string{"second"}, m.Undeclared)

	err = m.AddState("second", 0, map[string]string{"Tup": "exit"}, nil)
	require.NoError(t, err)
	resolved := m.StateTimerMatrix[0].Resolve(1)
	enc, err := resolved.Encode(2)
	require.NoError(t, err)
	assert.Equal(t, 1, enc)
}

func TestAddStateInvalidEvent(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)
	err := m.AddState("s1", 0, map[string]string{"NotAnEvent": "exit"}, nil)
	assert.Error(t, err)
}

func TestAddStateInvalidOutput(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)
	err := m.AddState("s1", 0, nil, []Action{{Name: "NotAnOutput", Value: 1}})
	assert.Error(t, err)
}

func TestGlobalTimerTriggerAndCancel(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)

	err := m.AddState("s1", 0, map[string]string{
		"Tup":              "s2",
		"GlobalTimer1_End": "exit",
	}, []Action{{Name: "GlobalTimerTrig", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.GlobalTimers.TriggersByState[0])
	require.Len(t, m.GlobalTimers.EndMatrix[0], 1)

	err = m.AddState("s2", 0, map[string]string{"Tup": "exit"},
		[]Action{{Name: "GlobalTimerCancel", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.GlobalTimers.CancelsByState[1])
}

func TestGlobalCounterReset(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)
	err := m.AddState("s1", 0, map[string]string{
		"Tup":                "exit",
		"GlobalCounter1_End": "exit",
	}, []Action{{Name: "GlobalCounterReset", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.GlobalCounters.ResetMatrix[0])
	require.Len(t, m.GlobalCounters.Matrix[0], 1)
}

func TestFlexAnalogOutputQuantization(t *testing.T) {
	d := hardware.NewDescriptor(
		128, 100, 20, 5, 5, 5,
		[]byte{'P', 'F'},
		[]byte{'V', 'F'},
		[]hardware.FlexChannelType{hardware.FlexAnalogOutput},
		23, 4,
	)
	l, err := layout.Resolve(d, hardware.NewModuleRegistry(d.NUARTChannels()))
	require.NoError(t, err)
	m := New(l, d)

	err = m.AddState("s1", 0, map[string]string{"Tup": "exit"},
		[]Action{{Name: "Flex1AO", Value: 2.5}})
	require.NoError(t, err)
	require.Len(t, m.OutputMatrix[0], 1)
	assert.InDelta(t, 2048, m.OutputMatrix[0][0].Value, 1)
}

func TestFlexAnalogOutputOutOfRange(t *testing.T) {
	d := hardware.NewDescriptor(
		128, 100, 20, 5, 5, 5,
		[]byte{'P', 'F'},
		[]byte{'V', 'F'},
		[]hardware.FlexChannelType{hardware.FlexAnalogOutput},
		23, 4,
	)
	l, err := layout.Resolve(d, hardware.NewModuleRegistry(d.NUARTChannels()))
	require.NoError(t, err)
	m := New(l, d)

	err = m.AddState("s1", 0, map[string]string{"Tup": "exit"},
		[]Action{{Name: "Flex1AO", Value: 7}})
	assert.Error(t, err)
}

func TestImplicitSerialMessageDedup(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)

	err := m.AddState("s1", 0, map[string]string{"Tup": "s2"},
		[]Action{{Name: "Serial1", Value: []byte{1, 2, 3}}})
	require.NoError(t, err)
	err = m.AddState("s2", 0, map[string]string{"Tup": "exit"},
		[]Action{{Name: "Serial1", Value: []byte{1, 2, 3}}})
	require.NoError(t, err)

	require.Len(t, m.OutputMatrix[0], 1)
	require.Len(t, m.OutputMatrix[1], 1)
	assert.Equal(t, m.OutputMatrix[0][0].Value, m.OutputMatrix[1][0].Value)
	assert.Equal(t, 1, m.SerialMessageMode)

	serialChannel := m.OutputMatrix[0][0].Code
	tbl := m.serialTables[serialChannel]
	require.Equal(t, 1, tbl.count())
}

func TestImplicitSerialMessageTooLong(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)
	err := m.AddState("s1", 0, map[string]string{"Tup": "exit"},
		[]Action{{Name: "Serial1", Value: []byte{1, 2, 3, 4, 5, 6, 7, 8}}})
	assert.Error(t, err)
}

func TestBackDestinationSetsFlag(t *testing.T) {
	l, d := testLayout(t)
	m := New(l, d)
	err := m.AddState("s1", 0, map[string]string{"Tup": "back"}, nil)
	require.NoError(t, err)
	assert.True(t, m.Use255BackSignal)
	assert.True(t, m.StateTimerMatrix[0].IsBack())
}
