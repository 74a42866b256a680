// Package session defines the observer interface trials are delivered
// through and ships the in-process accumulating sink every caller gets
// by default. TrialRunner depends only on the Session interface; it
// never knows whether records end up in memory, on disk, or relayed to
// a UI.
package session

import "time"

// StateOccurrence records one visit to a state during a trial, or an
// unvisited declared state with Start/End both NaN.
type StateOccurrence struct {
	Name  string
	Start float64 // seconds from trial start
	End   float64
}

// EventOccurrence records one input or global event firing during a trial.
type EventOccurrence struct {
	Name      string
	Timestamp float64 // seconds from trial start
}

// SoftcodeOccurrence records one '#'-opcode softcode dispatch.
type SoftcodeOccurrence struct {
	Code      int
	Timestamp float64
}

// Trial is everything a single TrialRunner.Run call produces.
type Trial struct {
	ID         int
	States     []StateOccurrence
	Events     []EventOccurrence
	Softcodes  []SoftcodeOccurrence
	StartedAt  time.Time
	FinishedAt time.Time
}

// Info carries an out-of-band informational record: protocol name,
// session start/end markers, serial port identity, API version.
type Info struct {
	Key   string
	Value string
}

// Informational keys mirroring the original session's INFO_* constants.
const (
	InfoProtocolName   = "PROTOCOL-NAME"
	InfoSessionStarted = "SESSION-STARTED"
	InfoSessionEnded   = "SESSION-ENDED"
	InfoSerialPort     = "SERIAL-PORT"
	InfoAPIVersion     = "BPOD-API-VERSION"
)

// Session is the pluggable observer a TrialRunner reports through.
// Implementations must be safe for the runner's own sequential calls;
// they need not be safe for concurrent use by unrelated callers.
type Session interface {
	OnTrial(t Trial)
	OnState(trialID int, s StateOccurrence)
	OnEvent(trialID int, e EventOccurrence)
	OnSoftcode(trialID int, s SoftcodeOccurrence)
	OnInfo(info Info)
}

// MemorySink is the default in-process accumulating Session: every
// trial, and every record delivered for the trial in progress, is kept
// in memory for the life of the connection.
type MemorySink struct {
	Trials []Trial
	Infos  []Info

	current map[int]*Trial
}

// NewMemorySink builds an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{current: make(map[int]*Trial)}
}

func (s *MemorySink) trial(id int) *Trial {
	t, ok := s.current[id]
	if !ok {
		t = &Trial{ID: id}
		s.current[id] = t
	}
	return t
}

func (s *MemorySink) OnState(trialID int, occ StateOccurrence) {
	t := s.trial(trialID)
	t.States = append(t.States, occ)
}

func (s *MemorySink) OnEvent(trialID int, occ EventOccurrence) {
	t := s.trial(trialID)
	t.Events = append(t.Events, occ)
}

func (s *MemorySink) OnSoftcode(trialID int, occ SoftcodeOccurrence) {
	t := s.trial(trialID)
	t.Softcodes = append(t.Softcodes, occ)
}

// OnTrial finalizes the trial record built up by OnState/OnEvent/
// OnSoftcode calls for the same trial ID, replacing it with t (the
// caller's authoritative copy, e.g. with StartedAt/FinishedAt set).
func (s *MemorySink) OnTrial(t Trial) {
	delete(s.current, t.ID)
	s.Trials = append(s.Trials, t)
}

func (s *MemorySink) OnInfo(info Info) {
	s.Infos = append(s.Infos, info)
}
