// Package hardware models the device's capability reply: the fixed set
// of channel-type tags, timer/counter/condition counts and format flags
// that every other subsystem (layout resolver, compiler, trial runner)
// is parameterized on.
package hardware

// FlexChannelType is the runtime-configured direction/kind of a flex pin.
type FlexChannelType int

const (
	FlexDigitalInput FlexChannelType = iota
	FlexDigitalOutput
	FlexAnalogInput
	FlexAnalogOutput
)

// Descriptor is the immutable value object populated from the device's
// 'H' (hardware description) reply. Once resolved it is never mutated;
// every consumer (ChannelLayoutResolver, Compiler, TrialRunner) reads it
// concurrently without locking.
type Descriptor struct {
	MaxStates        int
	CyclePeriodUs    int
	MaxSerialEvents  int
	NGlobalTimers    int
	NGlobalCounters  int
	NConditions      int
	Inputs           []byte // tags from {U,X,P,B,W,F,V,S}
	Outputs          []byte // tags, with three synthetic 'G' slots appended
	FlexChannelTypes []FlexChannelType
	FirmwareVersion  int
	MachineType      int

	// SerialMessageMaxBytes defaults to 3, or 5 when MachineType > 3. Set by
	// NewDescriptor; callers should not need to compute it by hand.
	SerialMessageMaxBytes int
}

// NewDescriptor builds a Descriptor from the raw capability fields,
// appending the three synthetic 'G' output slots and deriving
// SerialMessageMaxBytes, mirroring how the original driver appends
// ['G','G','G'] to hardware.outputs right after reading the wire reply.
func NewDescriptor(maxStates, cyclePeriodUs, maxSerialEvents, nGlobalTimers, nGlobalCounters, nConditions int,
	inputs, outputs []byte, flexTypes []FlexChannelType, firmwareVersion, machineType int) *Descriptor {

	outs := make([]byte, len(outputs), len(outputs)+3)
	copy(outs, outputs)
	outs = append(outs, 'G', 'G', 'G')

	d := &Descriptor{
		MaxStates:        maxStates,
		CyclePeriodUs:    cyclePeriodUs,
		MaxSerialEvents:  maxSerialEvents,
		NGlobalTimers:    nGlobalTimers,
		NGlobalCounters:  nGlobalCounters,
		NConditions:      nConditions,
		Inputs:           inputs,
		Outputs:          outs,
		FlexChannelTypes: flexTypes,
		FirmwareVersion:  firmwareVersion,
		MachineType:      machineType,
	}
	if machineType > 3 {
		d.SerialMessageMaxBytes = 5
	} else {
		d.SerialMessageMaxBytes = 3
	}
	return d
}

// CycleFrequency is the FSM tick rate in Hz.
func (d *Descriptor) CycleFrequency() int {
	if d.CyclePeriodUs == 0 {
		return 0
	}
	return 1000000 / d.CyclePeriodUs
}

// BpodVersion encodes the firmware-version-conditional hardware generation:
// 5 for firmware < 7, 7 otherwise.
func (d *Descriptor) BpodVersion() int {
	if d.FirmwareVersion < 7 {
		return 5
	}
	return 7
}

// IsWideFormat reports whether the compiler must use the "wide" binary
// format (u16 output values and serial-message lengths, flex-channel
// features, analog threshold ops): true when MachineType > 3.
func (d *Descriptor) IsWideFormat() bool {
	return d.MachineType > 3
}

// NUARTChannels counts the 'U' tags among Inputs.
func (d *Descriptor) NUARTChannels() int {
	n := 0
	for _, tag := range d.Inputs {
		if tag == 'U' {
			n++
		}
	}
	return n
}

// NFlexChannels counts the 'F' tags among Inputs (flex channels appear in
// both Inputs and Outputs at the same ordinal).
func (d *Descriptor) NFlexChannels() int {
	n := 0
	for _, tag := range d.Inputs {
		if tag == 'F' {
			n++
		}
	}
	return n
}

// DefaultEnabledInputs computes the device's power-on input-enable mask:
// BNC and Wire channels enabled, plus the first three Port channels
// found (ports 1-3), matching the firmware's documented defaults.
func (d *Descriptor) DefaultEnabledInputs() []bool {
	enabled := make([]bool, len(d.Inputs))
	portsFound := 0
	for i, tag := range d.Inputs {
		switch tag {
		case 'B', 'W':
			enabled[i] = true
		case 'P':
			if portsFound == 0 {
				portsFound = 1
				enabled[i] = true
				if i+1 < len(enabled) {
					enabled[i+1] = true
				}
				if i+2 < len(enabled) {
					enabled[i+2] = true
				}
			}
		}
	}
	return enabled
}
