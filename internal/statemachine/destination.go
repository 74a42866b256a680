package statemachine

// Destination is the sum type that replaces the original driver's
// float('NaN')-as-"exit" sentinel and the separate "10000 + index"
// forward-reference sentinel. It has exactly four shapes (state, exit,
// back, unresolved), so the compiler never has to special-case a magic
// number at emit time.
type Destination struct {
	kind destinationKind
	// state holds the resolved ordinal for kindState, or the index into
	// the owning machine's undeclared slice for kindUnresolved.
	state int
}

type destinationKind int

const (
	destinationState destinationKind = iota
	destinationExit
	destinationBack
	destinationUnresolved
)

// StateDestination targets an already-declared state by ordinal.
func StateDestination(ordinal int) Destination {
	return Destination{kind: destinationState, state: ordinal}
}

// ExitDestination ends the trial ("exit" / ">exit" in the original API).
func ExitDestination() Destination { return Destination{kind: destinationExit} }

// BackDestination returns to the previous state (the firmware's 255
// "back" signal; requires Use255BackSignal to be set on the machine).
func BackDestination() Destination { return Destination{kind: destinationBack} }

// UnresolvedDestination targets a not-yet-declared state, recorded by
// its index into the machine's undeclared list. The compiler's
// resolution pass rewrites every Unresolved destination to a concrete
// StateDestination before emitting the descriptor.
func UnresolvedDestination(undeclaredIndex int) Destination {
	return Destination{kind: destinationUnresolved, state: undeclaredIndex}
}

// IsUnresolved reports whether d still needs a resolution pass.
func (d Destination) IsUnresolved() (undeclaredIndex int, ok bool) {
	if d.kind == destinationUnresolved {
		return d.state, true
	}
	return 0, false
}

// Resolve rewrites an Unresolved destination to a concrete state
// ordinal; it is a no-op (returns d unchanged) for any other kind.
func (d Destination) Resolve(ordinal int) Destination {
	if d.kind != destinationUnresolved {
		return d
	}
	return StateDestination(ordinal)
}

// Encode returns the wire value for d given the final total state
// count (used for "exit"). "back" always encodes as 255; Encode does not
// check the machine's Use255BackSignal flag. An unresolved destination
// is an error.
func (d Destination) Encode(totalStates int) (int, error) {
	switch d.kind {
	case destinationState:
		return d.state, nil
	case destinationExit:
		return totalStates, nil
	case destinationBack:
		return 255, nil
	default:
		return 0, errUnresolvedDestination
	}
}

// IsBack reports whether d is the "back" destination.
func (d Destination) IsBack() bool { return d.kind == destinationBack }
