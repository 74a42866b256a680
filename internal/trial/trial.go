// Package trial drives one run of a compiled state machine: send the
// descriptor, stream opcodes back from the device, decode them into
// state and event occurrences, and deliver the finished trial through a
// session.Session.
package trial

import (
	"context"
	"math"
	"strconv"
	"time"

	"bpod/internal/bpoderr"
	"bpod/internal/codec"
	"bpod/internal/compiler"
	"bpod/internal/hardware"
	"bpod/internal/layout"
	"bpod/internal/logging"
	"bpod/internal/session"
	"bpod/internal/transport"
)

const (
	opcodeStateBundle = 'R'
	opcodeSoftcode    = '#'
	opcodeTrialEnd    = 'E'

	// opcodeAbort requests the device unwind the running trial early.
	// The retrieval pack's kept original-source files stop at
	// recv_msg_headers.py and never name this byte; 'X' is this
	// driver's own choice and must agree with whatever firmware it
	// talks to.
	opcodeAbort = 'X'

	statusInstallOK = 1
)

const defaultReadTimeout = 2 * time.Second

// TrialID identifies one Run invocation within a session.
type TrialID int

// Runner sends a compiled descriptor and streams the resulting trial
// back through a Session. One Runner instance is reused across trials on
// the same connection; it holds no per-trial state between Run calls.
type Runner struct {
	t           transport.Transport
	d           *hardware.Descriptor
	l           *layout.Layout
	sess        session.Session
	log         *logging.Logger
	readTimeout time.Duration
}

// New builds a Runner.
func New(t transport.Transport, d *hardware.Descriptor, l *layout.Layout, sess session.Session, log *logging.Logger) *Runner {
	return &Runner{t: t, d: d, l: l, sess: sess, log: log, readTimeout: defaultReadTimeout}
}

// WithReadTimeout overrides the per-read timeout used while streaming
// opcodes during a trial.
func (r *Runner) WithReadTimeout(d time.Duration) *Runner {
	r.readTimeout = d
	return r
}

// stateVisit is one state-change's opcode-stream bookkeeping: the
// ordinal of the state entered and the tick count at entry.
type stateVisit struct {
	state int
	tick  uint32
}

// Run sends compiled over the transport, then decodes the device's
// opcode stream into a session.Trial for id, reporting it (and every
// intermediate record) through the Runner's Session as it arrives.
// stateNames supplies the declared-state list (in ordinal order) used to
// report unvisited states at trial end.
func (r *Runner) Run(ctx context.Context, id TrialID, stateNames []string, compiled compiler.CompiledDescriptor) (session.Trial, error) {
	t := session.Trial{ID: int(id), StartedAt: time.Now()}

	payload := compiled.Bytes()
	if err := r.t.Write(ctx, payload); err != nil {
		return t, err
	}

	statusByte, err := r.t.ReadByte(ctx, r.readTimeout)
	if err != nil {
		return t, err
	}
	if statusByte != statusInstallOK {
		return t, bpoderr.ErrInstallRejected
	}

	var visits []stateVisit
	var events []session.EventOccurrence
	cancelled := false

	// A wire code below nStates names a state entered; device codes run
	// state indices and event indices through one shared address space,
	// with events numbered immediately after the last state ordinal.
	// Positions.Tup itself is never transmitted here: a state-timer
	// timeout is reported as the next state's entry, not as an event.
	threshold := len(stateNames)

loop:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			// Drain with a context that is no longer cancelled, so the
			// transport keeps reading until 'E' and the abort is sent once.
			ctx = context.WithoutCancel(ctx)
			if err := r.t.Write(ctx, []byte{opcodeAbort}); err != nil {
				return t, err
			}
		default:
		}

		opcode, err := r.t.ReadByte(ctx, r.readTimeout)
		if err != nil {
			return t, err
		}

		switch opcode {
		case opcodeStateBundle:
			nEvents, err := r.t.ReadByte(ctx, r.readTimeout)
			if err != nil {
				return t, err
			}
			tickBytes, err := r.t.ReadExact(ctx, 4, r.readTimeout)
			if err != nil {
				return t, err
			}
			tick, _ := codec.NewReader(tickBytes).U32()
			codes, err := r.t.ReadExact(ctx, int(nEvents), r.readTimeout)
			if err != nil {
				return t, err
			}
			for _, c := range codes {
				code := int(c)
				if cancelled {
					continue
				}
				if code < threshold {
					visits = append(visits, stateVisit{state: code, tick: tick})
					continue
				}
				name := r.eventName(code, len(stateNames))
				occ := session.EventOccurrence{Name: name, Timestamp: ticksToSeconds(tick, r.d)}
				events = append(events, occ)
				r.sess.OnEvent(int(id), occ)
			}

		case opcodeSoftcode:
			codeByte, err := r.t.ReadByte(ctx, r.readTimeout)
			if err != nil {
				return t, err
			}
			tickBytes, err := r.t.ReadExact(ctx, 4, r.readTimeout)
			if err != nil {
				return t, err
			}
			tick, _ := codec.NewReader(tickBytes).U32()
			if !cancelled {
				occ := session.SoftcodeOccurrence{Code: int(codeByte), Timestamp: ticksToSeconds(tick, r.d)}
				t.Softcodes = append(t.Softcodes, occ)
				r.sess.OnSoftcode(int(id), occ)
			}

		case opcodeTrialEnd:
			endBytes, err := r.t.ReadExact(ctx, 4, r.readTimeout)
			if err != nil {
				return t, err
			}
			endTick, _ := codec.NewReader(endBytes).U32()
			visits = append(visits, stateVisit{state: -1, tick: endTick}) // sentinel fence-post
			break loop

		default:
			return t, bpoderr.ErrUnexpectedOpcode
		}
	}

	t.Events = events
	t.States = buildStateOccurrences(visits, stateNames, r.d)
	t.FinishedAt = time.Now()

	for _, occ := range t.States {
		r.sess.OnState(int(id), occ)
	}
	r.sess.OnTrial(t)

	if cancelled {
		return t, bpoderr.ErrCancelled
	}
	return t, nil
}

// buildStateOccurrences turns the ordered list of state visits (plus the
// trial-end fence post) into one StateOccurrence per visit, and appends
// a NaN/NaN occurrence for every declared state never entered.
func buildStateOccurrences(visits []stateVisit, stateNames []string, d *hardware.Descriptor) []session.StateOccurrence {
	var out []session.StateOccurrence
	visited := make([]bool, len(stateNames))

	for i := 0; i+1 < len(visits); i++ {
		v := visits[i]
		next := visits[i+1]
		if v.state < 0 || v.state >= len(stateNames) {
			continue
		}
		visited[v.state] = true
		out = append(out, session.StateOccurrence{
			Name:  stateNames[v.state],
			Start: ticksToSeconds(v.tick, d),
			End:   ticksToSeconds(next.tick, d),
		})
	}

	for i, name := range stateNames {
		if !visited[i] {
			out = append(out, session.StateOccurrence{Name: name, Start: math.NaN(), End: math.NaN()})
		}
	}
	return out
}

func ticksToSeconds(ticks uint32, d *hardware.Descriptor) float64 {
	freq := d.CycleFrequency()
	if freq == 0 {
		return 0
	}
	return float64(ticks) / float64(freq)
}

// eventName resolves a wire event code to its layout name: real events
// are numbered starting right after the state-index range, so the
// EventNames index is code - nStates.
func (r *Runner) eventName(code, nStates int) string {
	idx := code - nStates
	if idx >= 0 && idx < len(r.l.EventNames) {
		return r.l.EventNames[idx]
	}
	return "Event" + strconv.Itoa(code)
}
