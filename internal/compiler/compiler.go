// Package compiler turns a built statemachine.Machine into the exact byte
// layout the FSM controller's 'C' (new state matrix) command expects:
// a short header, a variable-width body, a timer block, a 32-bit tick
// block and an additional-ops trailer.
package compiler

import (
	"fmt"
	"math"

	"bpod/internal/bpoderr"
	"bpod/internal/codec"
	"bpod/internal/hardware"
	"bpod/internal/layout"
	"bpod/internal/statemachine"
)

// CompiledDescriptor is the fully encoded state machine, ready to be
// concatenated and sent over the 'C' command.
type CompiledDescriptor struct {
	Header     []byte
	Body       []byte
	TimerBlock []byte
	Bit32Block []byte
	Extras     []byte
}

// Bytes concatenates every block in wire order.
func (c CompiledDescriptor) Bytes() []byte {
	out := make([]byte, 0, len(c.Header)+len(c.Body)+len(c.TimerBlock)+len(c.Bit32Block)+len(c.Extras))
	out = append(out, c.Header...)
	out = append(out, c.Body...)
	out = append(out, c.TimerBlock...)
	out = append(out, c.Bit32Block...)
	out = append(out, c.Extras...)
	return out
}

// Compiler binds a built Machine to the descriptor/layout it was built
// against; Compile may be called only once per Machine.
type Compiler struct {
	m *statemachine.Machine
	d *hardware.Descriptor
	l *layout.Layout
}

// New returns a Compiler for m, which must have been constructed with d
// and l via statemachine.New.
func New(m *statemachine.Machine, d *hardware.Descriptor, l *layout.Layout) *Compiler {
	return &Compiler{m: m, d: d, l: l}
}

// Compile resolves forward references and encodes the full descriptor.
// asap suppresses the installation handshake on the device side (the
// device streams '1' once per block instead of waiting for the whole
// thing); use255Back is read off the machine itself.
func (c *Compiler) Compile(asap bool) (CompiledDescriptor, error) {
	if err := c.resolveUndeclared(); err != nil {
		return CompiledDescriptor{}, err
	}

	totalStates := len(c.m.Manifest)
	if totalStates != len(c.m.StateTimerMatrix) {
		return CompiledDescriptor{}, bpoderr.ErrDanglingReference
	}

	highestTimer := c.highestTimerUsed()
	highestCounter := c.highestCounterUsed()
	highestCondition := c.highestConditionUsed()

	body, err := c.buildBody(totalStates, highestTimer, highestCounter, highestCondition)
	if err != nil {
		return CompiledDescriptor{}, err
	}

	timerBlock, err := c.buildTimerBlock(totalStates, highestTimer)
	if err != nil {
		return CompiledDescriptor{}, err
	}

	bit32Block, err := c.build32BitBlock(highestTimer, highestCounter)
	if err != nil {
		return CompiledDescriptor{}, err
	}

	extras, err := c.buildAdditionalOps()
	if err != nil {
		return CompiledDescriptor{}, err
	}

	bodyLen := len(body) + len(timerBlock) + len(bit32Block)
	header, err := c.buildHeader(asap, bodyLen)
	if err != nil {
		return CompiledDescriptor{}, err
	}

	return CompiledDescriptor{
		Header:     header,
		Body:       body,
		TimerBlock: timerBlock,
		Bit32Block: bit32Block,
		Extras:     extras,
	}, nil
}

func (c *Compiler) buildHeader(asap bool, bodyLen int) ([]byte, error) {
	w := codec.NewWriter(5)
	w.U8Raw('C')
	if asap {
		w.U8Raw(1)
	} else {
		w.U8Raw(0)
	}
	if c.m.Use255BackSignal {
		w.U8Raw(1)
	} else {
		w.U8Raw(0)
	}
	if err := w.U16(bodyLen); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// resolveUndeclared rewrites every UnresolvedDestination across every
// transition matrix to the concrete ordinal its name resolved to.
func (c *Compiler) resolveUndeclared() error {
	ordinals := make([]int, len(c.m.Undeclared))
	for i, name := range c.m.Undeclared {
		ordinal := -1
		for j, n := range c.m.Manifest {
			if n == name {
				ordinal = j
				break
			}
		}
		if ordinal < 0 {
			return fmt.Errorf("%w: %q", bpoderr.ErrUndeclaredState, name)
		}
		ordinals[i] = ordinal
	}

	resolveOne := func(d statemachine.Destination) statemachine.Destination {
		if idx, ok := d.IsUnresolved(); ok {
			return d.Resolve(ordinals[idx])
		}
		return d
	}
	resolveList := func(ts []statemachine.Transition) {
		for i := range ts {
			ts[i].Dest = resolveOne(ts[i].Dest)
		}
	}

	for i := range c.m.StateTimerMatrix {
		c.m.StateTimerMatrix[i] = resolveOne(c.m.StateTimerMatrix[i])
	}
	for i := range c.m.InputMatrix {
		resolveList(c.m.InputMatrix[i])
	}
	for i := range c.m.GlobalTimers.StartMatrix {
		resolveList(c.m.GlobalTimers.StartMatrix[i])
	}
	for i := range c.m.GlobalTimers.EndMatrix {
		resolveList(c.m.GlobalTimers.EndMatrix[i])
	}
	for i := range c.m.GlobalCounters.Matrix {
		resolveList(c.m.GlobalCounters.Matrix[i])
	}
	for i := range c.m.Conditions.Matrix {
		resolveList(c.m.Conditions.Matrix[i])
	}
	return nil
}

func (c *Compiler) highestTimerUsed() int {
	max := -1
	gt := c.m.GlobalTimers
	for k := 0; k < c.d.NGlobalTimers; k++ {
		if gt.Channels[k] != 255 || gt.Durations[k] != 0 || gt.OnsetMatrix[k] != 0 {
			max = k
		}
	}
	for _, bitmask := range append(append([]int(nil), gt.TriggersByState...), gt.CancelsByState...) {
		for k := 0; k < c.d.NGlobalTimers; k++ {
			if bitmask&(1<<uint(k)) != 0 && k > max {
				max = k
			}
		}
	}
	for _, transitions := range gt.StartMatrix {
		for _, t := range transitions {
			if k := t.EventCode - c.l.Positions.GlobalTimerStart; k > max {
				max = k
			}
		}
	}
	for _, transitions := range gt.EndMatrix {
		for _, t := range transitions {
			if k := t.EventCode - c.l.Positions.GlobalTimerEnd; k > max {
				max = k
			}
		}
	}
	return max + 1
}

func (c *Compiler) highestCounterUsed() int {
	max := -1
	gc := c.m.GlobalCounters
	for k := 0; k < c.d.NGlobalCounters; k++ {
		if gc.AttachedEvents[k] != 0 || gc.Thresholds[k] != 0 {
			max = k
		}
	}
	for _, n := range gc.ResetMatrix {
		if n > 0 && n-1 > max {
			max = n - 1
		}
	}
	for _, transitions := range gc.Matrix {
		for _, t := range transitions {
			if k := t.EventCode - c.l.Positions.GlobalCounter; k > max {
				max = k
			}
		}
	}
	return max + 1
}

func (c *Compiler) highestConditionUsed() int {
	max := -1
	cond := c.m.Conditions
	for k := 0; k < c.d.NConditions; k++ {
		if cond.Channels[k] != 0 || cond.Values[k] != 0 {
			max = k
		}
	}
	for _, transitions := range cond.Matrix {
		for _, t := range transitions {
			if k := t.EventCode - c.l.Positions.Condition; k > max {
				max = k
			}
		}
	}
	return max + 1
}

func encodeDest(d statemachine.Destination, totalStates int) (int, error) {
	return d.Encode(totalStates)
}

func (c *Compiler) buildBody(totalStates, highestTimer, highestCounter, highestCondition int) ([]byte, error) {
	w := codec.NewWriter(64)

	if err := w.U8(totalStates); err != nil {
		return nil, err
	}
	if err := w.U8(highestTimer); err != nil {
		return nil, err
	}
	if err := w.U8(highestCounter); err != nil {
		return nil, err
	}
	if err := w.U8(highestCondition); err != nil {
		return nil, err
	}

	// STATE_TIMER_MATRIX
	for i := 0; i < totalStates; i++ {
		v, err := encodeDest(c.m.StateTimerMatrix[i], totalStates)
		if err != nil {
			return nil, err
		}
		if err := w.U8(v); err != nil {
			return nil, err
		}
	}

	// INPUT_MATRIX
	if err := c.writeTransitionMatrix(w, c.m.InputMatrix, totalStates, 0, false); err != nil {
		return nil, err
	}

	// OUTPUT_MATRIX: only actions whose code is below the
	// GlobalTimerTrigger position are carried here.
	wide := c.d.IsWideFormat()
	for i := 0; i < totalStates; i++ {
		var included []statemachine.OutputAction
		for _, a := range c.m.OutputMatrix[i] {
			if a.Code < c.l.Positions.GlobalTimerTrigger {
				included = append(included, a)
			}
		}
		if err := w.U8(len(included)); err != nil {
			return nil, err
		}
		for _, a := range included {
			if err := w.U8(a.Code); err != nil {
				return nil, err
			}
			v := int(math.Round(a.Value))
			if wide {
				if err := w.U16(v); err != nil {
					return nil, err
				}
			} else {
				if err := w.U8(v); err != nil {
					return nil, err
				}
			}
		}
	}

	// GLOBAL_TIMER_START_MATRIX, GLOBAL_TIMER_END_MATRIX,
	// GLOBAL_COUNTER_MATRIX, CONDITION_MATRIX.
	if err := c.writeTransitionMatrix(w, c.m.GlobalTimers.StartMatrix, totalStates, c.l.Positions.GlobalTimerStart, true); err != nil {
		return nil, err
	}
	if err := c.writeTransitionMatrix(w, c.m.GlobalTimers.EndMatrix, totalStates, c.l.Positions.GlobalTimerEnd, true); err != nil {
		return nil, err
	}
	if err := c.writeTransitionMatrix(w, c.m.GlobalCounters.Matrix, totalStates, c.l.Positions.GlobalCounter, true); err != nil {
		return nil, err
	}
	if err := c.writeTransitionMatrix(w, c.m.Conditions.Matrix, totalStates, c.l.Positions.Condition, true); err != nil {
		return nil, err
	}

	// GLOBAL_TIMER_CHANNELS
	for i := 0; i < highestTimer; i++ {
		if err := w.U8(c.m.GlobalTimers.Channels[i]); err != nil {
			return nil, err
		}
	}

	// GLOBAL_TIMER_ON_MESSAGES / OFF_MESSAGES: 0 means "none" on the
	// wire, encoded as 255.
	writeTimerMessages := func(values []int) error {
		for i := 0; i < highestTimer; i++ {
			v := values[i]
			if v == 0 {
				v = 255
			}
			if wide {
				if err := w.U16(v); err != nil {
					return err
				}
			} else if err := w.U8(v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := writeTimerMessages(c.m.GlobalTimers.OnMessages); err != nil {
		return nil, err
	}
	if err := writeTimerMessages(c.m.GlobalTimers.OffMessages); err != nil {
		return nil, err
	}

	// GLOBAL_TIMER_LOOP_MODE, GLOBAL_TIMER_EVENTS
	for i := 0; i < highestTimer; i++ {
		if err := w.U8(c.m.GlobalTimers.LoopMode[i]); err != nil {
			return nil, err
		}
	}
	for i := 0; i < highestTimer; i++ {
		if err := w.U8(c.m.GlobalTimers.SendEvents[i]); err != nil {
			return nil, err
		}
	}

	// GLOBAL_COUNTER_ATTACHED_EVENTS
	for i := 0; i < highestCounter; i++ {
		if err := w.U8(c.m.GlobalCounters.AttachedEvents[i]); err != nil {
			return nil, err
		}
	}

	// CONDITION_CHANNELS, CONDITION_VALUES
	for i := 0; i < highestCondition; i++ {
		if err := w.U8(c.m.Conditions.Channels[i]); err != nil {
			return nil, err
		}
	}
	for i := 0; i < highestCondition; i++ {
		if err := w.U8(c.m.Conditions.Values[i]); err != nil {
			return nil, err
		}
	}

	// GLOBAL_COUNTER_RESETS
	if c.d.FirmwareVersion < 23 {
		for i := 0; i < totalStates; i++ {
			if err := w.U8(c.m.GlobalCounters.ResetMatrix[i]); err != nil {
				return nil, err
			}
		}
	} else {
		type override struct{ state, counter int }
		var overrides []override
		for i := 0; i < totalStates; i++ {
			if c.m.GlobalCounters.ResetMatrix[i] != 0 {
				overrides = append(overrides, override{i, c.m.GlobalCounters.ResetMatrix[i]})
			}
		}
		if err := w.U8(len(overrides)); err != nil {
			return nil, err
		}
		for _, o := range overrides {
			if err := w.U8(o.state); err != nil {
				return nil, err
			}
			if err := w.U8(o.counter); err != nil {
				return nil, err
			}
		}
	}

	// ANALOG_THRESHOLDS_ENABLE / DISABLE
	if wide {
		if err := c.writeAnalogThresholdOverrides(w, totalStates, c.l.Positions.AnalogThreshEnable); err != nil {
			return nil, err
		}
		if err := c.writeAnalogThresholdOverrides(w, totalStates, c.l.Positions.AnalogThreshDisable); err != nil {
			return nil, err
		}
	}

	return w.Bytes(), nil
}

func (c *Compiler) writeAnalogThresholdOverrides(w *codec.Writer, totalStates, positionCode int) error {
	type override struct{ state, mask int }
	var overrides []override
	for i := 0; i < totalStates; i++ {
		for _, a := range c.m.OutputMatrix[i] {
			if a.Code == positionCode && a.Value != 0 {
				overrides = append(overrides, override{i, int(a.Value)})
			}
		}
	}
	if err := w.U8(len(overrides)); err != nil {
		return err
	}
	for _, o := range overrides {
		if err := w.U8(o.state); err != nil {
			return err
		}
		if err := w.U8(o.mask); err != nil {
			return err
		}
	}
	return nil
}

// writeTransitionMatrix writes, for each of totalStates states, an `n`
// count followed by n (event_code[-basePos], dest) pairs. offsetEvents
// subtracts basePos from the event code when true (used by every matrix
// except INPUT_MATRIX, whose event codes are stored absolute).
func (c *Compiler) writeTransitionMatrix(w *codec.Writer, matrix [][]statemachine.Transition, totalStates, basePos int, offsetEvents bool) error {
	for i := 0; i < totalStates; i++ {
		transitions := matrix[i]
		if err := w.U8(len(transitions)); err != nil {
			return err
		}
		for _, t := range transitions {
			code := t.EventCode
			if offsetEvents {
				code -= basePos
			}
			if err := w.U8(code); err != nil {
				return err
			}
			dest, err := encodeDest(t.Dest, totalStates)
			if err != nil {
				return err
			}
			if err := w.U8(dest); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Compiler) buildTimerBlock(totalStates, highestTimer int) ([]byte, error) {
	w := codec.NewWriter(totalStates*2 + highestTimer)
	write := func(v int) error {
		switch {
		case c.d.NGlobalTimers > 16:
			return w.U32(int64(v))
		case c.d.NGlobalTimers > 8:
			return w.U16(v)
		default:
			return w.U8(v)
		}
	}
	for i := 0; i < totalStates; i++ {
		if err := write(c.m.GlobalTimers.TriggersByState[i]); err != nil {
			return nil, err
		}
	}
	for i := 0; i < totalStates; i++ {
		if err := write(c.m.GlobalTimers.CancelsByState[i]); err != nil {
			return nil, err
		}
	}
	for i := 0; i < highestTimer; i++ {
		if err := write(c.m.GlobalTimers.OnsetMatrix[i]); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func ticks(seconds float64, cycleFrequency int) int64 {
	return int64(math.Round(seconds * float64(cycleFrequency)))
}

func (c *Compiler) build32BitBlock(highestTimer, highestCounter int) ([]byte, error) {
	freq := c.d.CycleFrequency()
	w := codec.NewWriter(4 * (len(c.m.StateNames) + 3*highestTimer + highestCounter))

	// State timers (StateTimerSeconds, set by AddState) and global timer
	// durations, on-set delays and loop intervals are held in seconds and
	// converted to ticks here; counter thresholds are event counts and are
	// written unscaled.
	for _, secs := range c.m.StateTimerSeconds {
		if err := w.U32(ticks(secs, freq)); err != nil {
			return nil, err
		}
	}
	for i := 0; i < highestTimer; i++ {
		if err := w.U32(ticks(c.m.GlobalTimers.Durations[i], freq)); err != nil {
			return nil, err
		}
	}
	for i := 0; i < highestTimer; i++ {
		if err := w.U32(ticks(c.m.GlobalTimers.OnSetDelays[i], freq)); err != nil {
			return nil, err
		}
	}
	for i := 0; i < highestTimer; i++ {
		if err := w.U32(ticks(c.m.GlobalTimers.LoopIntervals[i], freq)); err != nil {
			return nil, err
		}
	}
	for i := 0; i < highestCounter; i++ {
		if err := w.U32(int64(math.Round(c.m.GlobalCounters.Thresholds[i]))); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func (c *Compiler) buildAdditionalOps() ([]byte, error) {
	w := codec.NewWriter(16)
	if c.m.SerialMessageMode == 1 {
		for channel := 0; channel < c.d.NUARTChannels(); channel++ {
			tbl, ok := c.m.SerialTables()[channel]
			if !ok || tbl.Count() == 0 {
				continue
			}
			w.U8Raw(1)
			w.U8Raw('L')
			if err := w.U8(channel); err != nil {
				return nil, err
			}
			if err := w.U8(tbl.Count()); err != nil {
				return nil, err
			}
			for idx := 0; idx < tbl.Count(); idx++ {
				msg := tbl.Message(idx)
				if err := w.U8(idx); err != nil {
					return nil, err
				}
				if err := w.U8(len(msg)); err != nil {
					return nil, err
				}
				w.Raw(msg)
			}
		}
	}
	w.U8Raw(0)
	return w.Bytes(), nil
}
