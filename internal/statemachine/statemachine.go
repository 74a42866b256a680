// Package statemachine implements the builder-style symbolic state
// machine API: states, transitions, global timers/counters/conditions
// and output actions, all validated against a resolved channel layout
// but not yet turned into the device's binary descriptor (that's
// internal/compiler's job).
package statemachine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"bpod/internal/bpoderr"
	"bpod/internal/hardware"
	"bpod/internal/layout"
)

var errUnresolvedDestination = errors.New("statemachine: destination is still unresolved")

// Transition is one (event code, destination) pair in any of the
// per-state transition matrices.
type Transition struct {
	EventCode int
	Dest      Destination
}

// OutputAction is one (output channel index, value) pair in a state's
// output matrix. Value is stored as float64 throughout the symbolic
// machine (it may represent a quantized voltage, a serial-message
// index, a bitmask, or a plain channel value); the compiler narrows it
// to the wire width at emit time.
type OutputAction struct {
	Code  int
	Value float64
}

// GlobalTimers holds the FSM-wide timer configuration and the per-state
// bookkeeping that was overloaded in the original driver (see design
// notes: triggers/cancels used to share global_timers.end_matrix with
// the timer-end transition table). Here they are three separate fields.
type GlobalTimers struct {
	Durations     []float64
	OnSetDelays   []float64
	Channels      []int // output index, or 255 if none attached
	OnMessages    []int
	OffMessages   []int
	LoopMode      []int
	LoopIntervals []float64
	SendEvents    []int

	StartMatrix [][]Transition // per state: GlobalTimer{k}_Start transitions
	EndMatrix   [][]Transition // per state: GlobalTimer{k}_End transitions

	TriggersByState []int // per state, bitmask of timers triggered on entry
	CancelsByState  []int // per state, bitmask of timers cancelled on entry
	OnsetMatrix     []int // per timer, bitmask of timers to trigger at that timer's onset
}

// GlobalCounters holds the FSM-wide event counters.
type GlobalCounters struct {
	AttachedEvents []int
	Thresholds     []float64
	Matrix         [][]Transition // per state: GlobalCounter{k}_End transitions
	ResetMatrix    []int          // per state, which counter (1-based) resets; 0 = none
}

// Conditions holds the FSM-wide input-channel value predicates.
type Conditions struct {
	Channels []int
	Values   []int
	Matrix   [][]Transition // per state: Condition{k} transitions
}

// serialMessageTable is the two-parallel-map façade over implicit
// serial message dedup, replacing the original's single dict keyed by
// both the stringified message and its integer index.
type serialMessageTable struct {
	byBytes map[string]int
	byIndex [][]byte
}

func newSerialMessageTable() *serialMessageTable {
	return &serialMessageTable{byBytes: make(map[string]int)}
}

func (t *serialMessageTable) indexFor(msg []byte) (idx int, isNew bool) {
	key := string(msg)
	if idx, ok := t.byBytes[key]; ok {
		return idx, false
	}
	idx = len(t.byIndex)
	t.byBytes[key] = idx
	t.byIndex = append(t.byIndex, append([]byte(nil), msg...))
	return idx, true
}

func (t *serialMessageTable) count() int { return len(t.byIndex) }

func (t *serialMessageTable) message(idx int) []byte { return t.byIndex[idx] }

// Count reports how many distinct messages are loaded on this channel.
func (t *serialMessageTable) Count() int { return t.count() }

// Message returns the raw bytes for message idx.
func (t *serialMessageTable) Message(idx int) []byte { return t.message(idx) }

// Action is one entry of AddState's output-actions list. Value accepts
// an int, float64, string (bit-string), []byte (implicit serial
// message) or []int (0/1 analog threshold-mask list), matching the
// original API's dynamically-typed action values.
type Action struct {
	Name  string
	Value interface{}
}

// Machine is the per-trial symbolic state machine builder. It is
// single-owner: construct, call AddState / attach global timers etc.,
// then hand it to compiler.Compile exactly once.
type Machine struct {
	layout     *layout.Layout
	descriptor *hardware.Descriptor

	StateNames []string
	Manifest   []string
	Undeclared []string

	StateTimerMatrix  []Destination
	StateTimerSeconds []float64
	InputMatrix       [][]Transition
	OutputMatrix      [][]OutputAction

	Conditions     Conditions
	GlobalCounters GlobalCounters
	GlobalTimers   GlobalTimers

	Use255BackSignal bool

	SerialMessageMode int // 0 manual, 1 implicit
	serialTables      map[int]*serialMessageTable
}

// New builds an empty Machine bound to the given resolved layout and
// hardware descriptor (needed for n_global_timers/counters/conditions
// sizing and flex-channel/voltage/serial-message limits).
func New(l *layout.Layout, d *hardware.Descriptor) *Machine {
	return &Machine{
		layout:     l,
		descriptor: d,
		GlobalTimers: GlobalTimers{
			Durations:     make([]float64, d.NGlobalTimers),
			OnSetDelays:   make([]float64, d.NGlobalTimers),
			Channels:      fill(d.NGlobalTimers, 255),
			OnMessages:    make([]int, d.NGlobalTimers),
			OffMessages:   make([]int, d.NGlobalTimers),
			LoopMode:      make([]int, d.NGlobalTimers),
			LoopIntervals: make([]float64, d.NGlobalTimers),
			SendEvents:    make([]int, d.NGlobalTimers),
			OnsetMatrix:   make([]int, d.NGlobalTimers),
		},
		GlobalCounters: GlobalCounters{
			AttachedEvents: make([]int, d.NGlobalCounters),
			Thresholds:     make([]float64, d.NGlobalCounters),
		},
		Conditions: Conditions{
			Channels: make([]int, d.NConditions),
			Values:   make([]int, d.NConditions),
		},
		serialTables: make(map[int]*serialMessageTable),
	}
}

func fill(n, v int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// stateIndex returns the ordinal for name, declaring it if new.
func (m *Machine) stateIndex(name string) int {
	for i, n := range m.Manifest {
		if n == name {
			return i
		}
	}
	m.Manifest = append(m.Manifest, name)
	m.StateNames = append(m.StateNames, name)
	m.StateTimerMatrix = append(m.StateTimerMatrix, Destination{})
	m.StateTimerSeconds = append(m.StateTimerSeconds, 0)
	m.InputMatrix = append(m.InputMatrix, nil)
	m.OutputMatrix = append(m.OutputMatrix, nil)
	m.Conditions.Matrix = append(m.Conditions.Matrix, nil)
	m.GlobalCounters.Matrix = append(m.GlobalCounters.Matrix, nil)
	m.GlobalCounters.ResetMatrix = append(m.GlobalCounters.ResetMatrix, 0)
	m.GlobalTimers.StartMatrix = append(m.GlobalTimers.StartMatrix, nil)
	m.GlobalTimers.EndMatrix = append(m.GlobalTimers.EndMatrix, nil)
	m.GlobalTimers.TriggersByState = append(m.GlobalTimers.TriggersByState, 0)
	m.GlobalTimers.CancelsByState = append(m.GlobalTimers.CancelsByState, 0)
	idx := len(m.Manifest) - 1
	m.StateTimerMatrix[idx] = StateDestination(idx) // default: stay
	return idx
}

// resolveDestination classifies a transition target string into a
// Destination, recording a new undeclared entry when the state hasn't
// been added yet.
func (m *Machine) resolveDestination(target string) Destination {
	for i, n := range m.Manifest {
		if n == target {
			return StateDestination(i)
		}
	}
	switch target {
	case "exit", ">exit":
		return ExitDestination()
	case "back", ">back":
		m.Use255BackSignal = true
		return BackDestination()
	default:
		m.Undeclared = append(m.Undeclared, target)
		return UnresolvedDestination(len(m.Undeclared) - 1)
	}
}

// AddState adds (or idempotently redeclares) a state. transitions maps
// event name to destination-state name (or "exit"/"back", or a name not
// yet declared). actions is the list of output actions to perform on
// entry, applied in order because several actions alias the same
// output position (e.g. a later "GlobalTimerTrig" after an earlier
// implicit-serial-message write).
func (m *Machine) AddState(name string, timerSeconds float64, transitions map[string]string, actions []Action) error {
	idx := m.stateIndex(name)
	m.StateTimerMatrix[idx] = StateDestination(idx)
	m.StateTimerSeconds[idx] = timerSeconds

	// Clear any prior transitions on redeclaration so overwriting a slot
	// fully replaces it rather than accumulating duplicates.
	m.InputMatrix[idx] = nil
	m.Conditions.Matrix[idx] = nil
	m.GlobalCounters.Matrix[idx] = nil
	m.GlobalTimers.StartMatrix[idx] = nil
	m.GlobalTimers.EndMatrix[idx] = nil
	m.OutputMatrix[idx] = nil

	for eventName, targetName := range transitions {
		eventCode := m.layout.EventIndex(eventName)
		if eventCode < 0 {
			return fmt.Errorf("%w: %q (state %q)", bpoderr.ErrInvalidEvent, eventName, name)
		}
		dest := m.resolveDestination(targetName)

		switch m.layout.EventKinds[eventCode] {
		case layout.EventKindStateTimer:
			m.StateTimerMatrix[idx] = dest
		case layout.EventKindCondition:
			m.Conditions.Matrix[idx] = append(m.Conditions.Matrix[idx], Transition{eventCode, dest})
		case layout.EventKindGlobalCounterEnd:
			m.GlobalCounters.Matrix[idx] = append(m.GlobalCounters.Matrix[idx], Transition{eventCode, dest})
		case layout.EventKindGlobalTimerStart:
			m.GlobalTimers.StartMatrix[idx] = append(m.GlobalTimers.StartMatrix[idx], Transition{eventCode, dest})
		case layout.EventKindGlobalTimerEnd:
			m.GlobalTimers.EndMatrix[idx] = append(m.GlobalTimers.EndMatrix[idx], Transition{eventCode, dest})
		default:
			m.InputMatrix[idx] = append(m.InputMatrix[idx], Transition{eventCode, dest})
		}
	}

	for _, action := range actions {
		if err := m.applyAction(idx, name, action); err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) applyAction(idx int, stateName string, action Action) error {
	pos := &m.layout.Positions

	var outputCode int
	var outputValue float64

	switch action.Name {
	case "Valve":
		n := toInt(action.Value)
		outputCode = m.layout.OutputIndex(fmt.Sprintf("Valve%d", n))
		if outputCode < 0 {
			return fmt.Errorf("%w: Valve%d (state %q)", bpoderr.ErrInvalidOutput, n, stateName)
		}
		outputValue = 1

	case "LED":
		n := toInt(action.Value)
		outputCode = m.layout.OutputIndex(fmt.Sprintf("PWM%d", n))
		if outputCode < 0 {
			return fmt.Errorf("%w: PWM%d (state %q)", bpoderr.ErrInvalidOutput, n, stateName)
		}
		outputValue = 255

	case "GlobalCounterReset":
		n := toInt(action.Value)
		m.GlobalCounters.ResetMatrix[idx] = n
		return nil

	case "GlobalTimerTrig":
		mask, err := toBitmask(action.Value, true)
		if err != nil {
			return fmt.Errorf("state %q: %w", stateName, err)
		}
		m.GlobalTimers.TriggersByState[idx] = mask
		return nil

	case "GlobalTimerCancel":
		n := toInt(action.Value)
		m.GlobalTimers.CancelsByState[idx] |= 1 << (n - 1)
		return nil

	default:
		outputCode = m.layout.OutputIndex(action.Name)
		if outputCode < 0 {
			return fmt.Errorf("%w: %q (state %q)", bpoderr.ErrInvalidOutput, action.Name, stateName)
		}
		outputValue = toFloat(action.Value)
	}

	// Flex analog output: quantize volts to 12 bits. Bounded by the flex
	// channel count directly rather than the next channel kind's base
	// position, since that position is 0 (ambiguous with "not found")
	// whenever a hardware config has no channels of that next kind.
	flexIdx := outputCode - pos.OutputFlex
	if flexIdx >= 0 && flexIdx < m.descriptor.NFlexChannels() {
		if m.descriptor.FlexChannelTypes[flexIdx] == hardware.FlexAnalogOutput {
			v := toFloat(action.Value)
			if v < 0 || v > 5 {
				return fmt.Errorf("%w: %v (state %q)", bpoderr.ErrInvalidVoltage, v, stateName)
			}
			outputValue = math.Round((v / 5.0) * 4095)
		}
	}

	// Analog threshold enable/disable: bit-string or 0/1 list -> integer.
	if outputCode == pos.AnalogThreshEnable || outputCode == pos.AnalogThreshDisable {
		mask, err := parseThresholdMask(action.Value, m.descriptor.NFlexChannels())
		if err != nil {
			return fmt.Errorf("state %q: %w", stateName, err)
		}
		outputValue = float64(mask)
	}

	// UART serial channel with a list value: implicit serial message.
	// UART output channels are always the leading entries, so the count
	// alone delimits them without depending on the next tag's (possibly
	// absent, ambiguously-zero) base position.
	if outputCode < m.descriptor.NUARTChannels() {
		if msg, ok := action.Value.([]byte); ok {
			v, err := m.loadImplicitMessage(outputCode, msg, stateName)
			if err != nil {
				return err
			}
			outputValue = float64(v)
		}
	}

	m.OutputMatrix[idx] = append(m.OutputMatrix[idx], OutputAction{Code: outputCode, Value: outputValue})
	return nil
}

func (m *Machine) loadImplicitMessage(channel int, msg []byte, stateName string) (int, error) {
	if len(msg) == 0 || len(msg) > m.descriptor.SerialMessageMaxBytes {
		return 0, fmt.Errorf("%w: state %q, channel %d, length %d", bpoderr.ErrSerialMessageTooLong, stateName, channel, len(msg))
	}
	m.SerialMessageMode = 1
	tbl, ok := m.serialTables[channel]
	if !ok {
		tbl = newSerialMessageTable()
		m.serialTables[channel] = tbl
	}
	if tbl.count() >= 256 {
		if _, exists := tbl.byBytes[string(msg)]; !exists {
			return 0, fmt.Errorf("%w: channel %d", bpoderr.ErrTooManySerialMessages, channel)
		}
	}
	idx, _ := tbl.indexFor(msg)
	return idx, nil
}

// SerialTables exposes the per-channel message tables to the compiler's
// additional-ops emitter, keyed by UART output-channel index.
func (m *Machine) SerialTables() map[int]*serialMessageTable { return m.serialTables }

func toInt(v interface{}) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

// toBitmask converts either an integer mask-position (1-based, legacyStyle)
// or a bit-string into an integer bitmask.
func toBitmask(v interface{}, legacyStyle bool) (int, error) {
	switch x := v.(type) {
	case string:
		n, err := strconv.ParseInt(x, 2, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", bpoderr.ErrInvalidThresholdMask, x)
		}
		return int(n), nil
	default:
		n := toInt(v)
		if legacyStyle {
			return 1 << (n - 1), nil
		}
		return n, nil
	}
}

// parseThresholdMask converts an AnalogThreshEnable/Disable action value
// (either a []int of 0/1 or a bit-string) into an integer mask, MSB
// first so the rightmost bit is flex channel index 0.
func parseThresholdMask(v interface{}, nFlex int) (int, error) {
	switch x := v.(type) {
	case string:
		if len(x) != nFlex {
			return 0, bpoderr.ErrInvalidThresholdMask
		}
		n, err := strconv.ParseInt(x, 2, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", bpoderr.ErrInvalidThresholdMask, x)
		}
		return int(n), nil
	case []int:
		if len(x) != nFlex {
			return 0, bpoderr.ErrInvalidThresholdMask
		}
		var sb strings.Builder
		for _, bit := range x {
			if bit != 0 && bit != 1 {
				return 0, bpoderr.ErrInvalidThresholdMask
			}
			sb.WriteString(strconv.Itoa(bit))
		}
		n, err := strconv.ParseInt(sb.String(), 2, 64)
		if err != nil {
			return 0, bpoderr.ErrInvalidThresholdMask
		}
		return int(n), nil
	default:
		return 0, bpoderr.ErrInvalidThresholdMask
	}
}
