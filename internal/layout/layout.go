// Package layout resolves a hardware.Descriptor (plus any probed
// hardware.ModuleRegistry) into the three ordered name lists and base
// position table the device's dense indices are built from. This is the
// compatibility contract with the firmware: get the ordering wrong and
// every subsequent event/output code is wrong.
package layout

import (
	"fmt"

	"bpod/internal/hardware"
)

// EventKind tags every entry in Layout.EventNames with how AddState
// should file a transition through it, replacing the original driver's
// string-prefix matching (see design notes) with an O(1) lookup.
type EventKind int

const (
	EventKindInput EventKind = iota
	EventKindStateTimer
	EventKindCondition
	EventKindGlobalCounterEnd
	EventKindGlobalTimerStart
	EventKindGlobalTimerEnd
)

// Positions records the zero-based base index, into the relevant ordered
// list, of the first occurrence of each channel kind.
type Positions struct {
	EventUSB  int
	EventPort int
	EventBNC  int
	EventWire int
	EventFlex int

	GlobalTimerStart int
	GlobalTimerEnd   int
	GlobalCounter    int
	Condition        int
	Tup              int

	OutputUSB   int
	OutputValve int
	OutputBNC   int
	OutputWire  int
	OutputPWM   int
	OutputFlex  int

	GlobalTimerTrigger int
	GlobalTimerCancel  int
	GlobalCounterReset int

	AnalogThreshEnable  int
	AnalogThreshDisable int
}

// Layout is the fully resolved, immutable channel layout for one
// hardware generation. Equal Descriptors (and equal probed modules)
// produce byte-equal Layouts: Resolve has no hidden state.
type Layout struct {
	EventNames        []string
	EventKinds        []EventKind
	InputChannelNames []string

	OutputChannelNames []string

	Positions Positions
}

// EventIndex returns the index of name in EventNames, or -1.
func (l *Layout) EventIndex(name string) int {
	for i, n := range l.EventNames {
		if n == name {
			return i
		}
	}
	return -1
}

// OutputIndex returns the index of name in OutputChannelNames, or -1.
func (l *Layout) OutputIndex(name string) int {
	for i, n := range l.OutputChannelNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Resolve deterministically expands d (and modules, which may be nil for
// a registry-less probe) into a Layout. Equal inputs produce byte-equal
// output lists and base positions — no randomness, no mutable package
// state.
func Resolve(d *hardware.Descriptor, modules *hardware.ModuleRegistry) (*Layout, error) {
	l := &Layout{}
	if err := l.buildInputs(d, modules); err != nil {
		return nil, err
	}
	l.buildOutputs(d, modules)
	return l, nil
}

func (l *Layout) appendEvent(name string, kind EventKind) {
	l.EventNames = append(l.EventNames, name)
	l.EventKinds = append(l.EventKinds, kind)
}

func (l *Layout) buildInputs(d *hardware.Descriptor, modules *hardware.ModuleRegistry) error {
	nUART, nUSB, nBNC, nWire, nPort, nFlex := 0, 0, 0, 0, 0, 0
	var pos int

	for _, tag := range d.Inputs {
		switch tag {
		case 'U':
			var mod hardware.Module
			if modules != nil {
				mod = modules.Module(nUART)
			}
			nUART++
			var moduleName string
			if mod.Connected {
				moduleName = mod.Name
				l.InputChannelNames = append(l.InputChannelNames, moduleName)
			} else {
				moduleName = fmt.Sprintf("Serial%d", nUART)
				l.InputChannelNames = append(l.InputChannelNames, moduleName)
			}
			for j := 0; j < mod.NSerialEvents; j++ {
				if j < len(mod.EventNames) {
					l.appendEvent(moduleName+"_"+mod.EventNames[j], EventKindInput)
				} else {
					l.appendEvent(fmt.Sprintf("%s_%d", moduleName, j+1), EventKindInput)
				}
				pos++
			}

		case 'X':
			if nUSB == 0 {
				l.Positions.EventUSB = pos
			}
			nUSB++
			l.InputChannelNames = append(l.InputChannelNames, fmt.Sprintf("USB%d", nUSB))
			nModules := 0
			if modules != nil {
				nModules = modules.Len()
			}
			loops := d.MaxSerialEvents / (nModules + 1)
			for j := 0; j < loops; j++ {
				l.appendEvent(fmt.Sprintf("SoftCode%d", j+1), EventKindInput)
				pos++
			}

		case 'P':
			if nPort == 0 {
				l.Positions.EventPort = pos
			}
			nPort++
			name := fmt.Sprintf("Port%d", nPort)
			l.InputChannelNames = append(l.InputChannelNames, name)
			l.appendEvent(name+"In", EventKindInput)
			pos++
			l.appendEvent(name+"Out", EventKindInput)
			pos++

		case 'B':
			if nBNC == 0 {
				l.Positions.EventBNC = pos
			}
			nBNC++
			name := fmt.Sprintf("BNC%d", nBNC)
			l.InputChannelNames = append(l.InputChannelNames, name)
			l.appendEvent(name+"High", EventKindInput)
			pos++
			l.appendEvent(name+"Low", EventKindInput)
			pos++

		case 'W':
			if nWire == 0 {
				l.Positions.EventWire = pos
			}
			nWire++
			name := fmt.Sprintf("Wire%d", nWire)
			l.InputChannelNames = append(l.InputChannelNames, name)
			l.appendEvent(name+"High", EventKindInput)
			pos++
			l.appendEvent(name+"Low", EventKindInput)
			pos++

		case 'F':
			if nFlex == 0 {
				l.Positions.EventFlex = pos
			}
			if nFlex >= len(d.FlexChannelTypes) {
				return fmt.Errorf("layout: flex tag at input position %d has no matching flex_channel_types entry", pos)
			}
			switch d.FlexChannelTypes[nFlex] {
			case hardware.FlexDigitalInput:
				nFlex++
				name := fmt.Sprintf("Flex%d", nFlex)
				l.InputChannelNames = append(l.InputChannelNames, name)
				l.appendEvent(name+"High", EventKindInput)
				pos++
				l.appendEvent(name+"Low", EventKindInput)
				pos++
			case hardware.FlexAnalogInput:
				nFlex++
				name := fmt.Sprintf("Flex%d", nFlex)
				l.InputChannelNames = append(l.InputChannelNames, name)
				l.appendEvent(name+"Trig1", EventKindInput)
				pos++
				l.appendEvent(name+"Trig2", EventKindInput)
				pos++
			default:
				// Configured as an output flex channel: emit placeholders to
				// keep event/input indices stable regardless of direction.
				l.InputChannelNames = append(l.InputChannelNames, "---")
				l.appendEvent("---", EventKindInput)
				l.appendEvent("---", EventKindInput)
				pos += 2
				nFlex++
			}
		}
	}

	l.Positions.GlobalTimerStart = pos
	for i := 0; i < d.NGlobalTimers; i++ {
		l.appendEvent(fmt.Sprintf("GlobalTimer%d_Start", i+1), EventKindGlobalTimerStart)
		pos++
	}

	l.Positions.GlobalTimerEnd = pos
	for i := 0; i < d.NGlobalTimers; i++ {
		l.appendEvent(fmt.Sprintf("GlobalTimer%d_End", i+1), EventKindGlobalTimerEnd)
		l.InputChannelNames = append(l.InputChannelNames, fmt.Sprintf("GlobalTimer%d", i+1))
		pos++
	}

	l.Positions.GlobalCounter = pos
	for i := 0; i < d.NGlobalCounters; i++ {
		l.appendEvent(fmt.Sprintf("GlobalCounter%d_End", i+1), EventKindGlobalCounterEnd)
		pos++
	}

	l.Positions.Condition = pos
	for i := 0; i < d.NConditions; i++ {
		l.appendEvent(fmt.Sprintf("Condition%d", i+1), EventKindCondition)
		pos++
	}

	l.Positions.Tup = pos
	l.appendEvent("Tup", EventKindStateTimer)

	return nil
}

func (l *Layout) buildOutputs(d *hardware.Descriptor, modules *hardware.ModuleRegistry) {
	nUART, nUSB, nValve, nBNC, nWire, nPort, nFlex := 0, 0, 0, 0, 0, 0, 0

	for _, tag := range d.Outputs {
		switch tag {
		case 'U':
			var mod hardware.Module
			if modules != nil {
				mod = modules.Module(nUART)
			}
			nUART++
			if mod.Connected {
				l.OutputChannelNames = append(l.OutputChannelNames, mod.Name)
			} else {
				l.OutputChannelNames = append(l.OutputChannelNames, fmt.Sprintf("Serial%d", nUART))
			}

		case 'X':
			if nUSB == 0 {
				l.Positions.OutputUSB = len(l.OutputChannelNames)
			}
			nUSB++
			l.OutputChannelNames = append(l.OutputChannelNames, "SoftCode")

		case 'V':
			if nValve == 0 {
				l.Positions.OutputValve = len(l.OutputChannelNames)
			}
			nValve++
			l.OutputChannelNames = append(l.OutputChannelNames, fmt.Sprintf("Valve%d", nValve))

		case 'B':
			if nBNC == 0 {
				l.Positions.OutputBNC = len(l.OutputChannelNames)
			}
			nBNC++
			l.OutputChannelNames = append(l.OutputChannelNames, fmt.Sprintf("BNC%d", nBNC))

		case 'W':
			if nWire == 0 {
				l.Positions.OutputWire = len(l.OutputChannelNames)
			}
			nWire++
			l.OutputChannelNames = append(l.OutputChannelNames, fmt.Sprintf("Wire%d", nWire))

		case 'P':
			if nPort == 0 {
				l.Positions.OutputPWM = len(l.OutputChannelNames)
			}
			nPort++
			l.OutputChannelNames = append(l.OutputChannelNames, fmt.Sprintf("PWM%d", nPort))

		case 'F':
			if nFlex == 0 {
				l.Positions.OutputFlex = len(l.OutputChannelNames)
			}
			if nFlex < len(d.FlexChannelTypes) {
				switch d.FlexChannelTypes[nFlex] {
				case hardware.FlexDigitalOutput:
					nFlex++
					l.OutputChannelNames = append(l.OutputChannelNames, fmt.Sprintf("Flex%dDO", nFlex))
				case hardware.FlexAnalogOutput:
					nFlex++
					l.OutputChannelNames = append(l.OutputChannelNames, fmt.Sprintf("Flex%dAO", nFlex))
				default:
					l.OutputChannelNames = append(l.OutputChannelNames, "---")
					nFlex++
				}
			} else {
				l.OutputChannelNames = append(l.OutputChannelNames, "---")
				nFlex++
			}
		}
	}

	l.OutputChannelNames = append(l.OutputChannelNames, "GlobalTimerTrig")
	l.Positions.GlobalTimerTrigger = len(l.OutputChannelNames) - 1
	l.OutputChannelNames = append(l.OutputChannelNames, "GlobalTimerCancel")
	l.Positions.GlobalTimerCancel = len(l.OutputChannelNames) - 1
	l.OutputChannelNames = append(l.OutputChannelNames, "GlobalCounterReset")
	l.Positions.GlobalCounterReset = len(l.OutputChannelNames) - 1

	if d.IsWideFormat() {
		l.OutputChannelNames = append(l.OutputChannelNames, "AnalogThreshEnable")
		l.Positions.AnalogThreshEnable = len(l.OutputChannelNames) - 1
		l.OutputChannelNames = append(l.OutputChannelNames, "AnalogThreshDisable")
		l.Positions.AnalogThreshDisable = len(l.OutputChannelNames) - 1
	}
}
