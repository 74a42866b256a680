// Package diagnostics wraps a session.Session so that every informational
// record also carries a snapshot of host CPU and memory load, letting a
// long batch of trials be correlated against host contention after the
// fact.
package diagnostics

import (
	"fmt"
	"runtime"

	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"bpod/internal/session"
)

// sink decorates an inner Session, annotating OnInfo calls with a host
// load sample. Every other method passes straight through.
type sink struct {
	inner session.Session
}

// NewDiagnosticsSink wraps inner so OnInfo calls are annotated with a
// CPU/memory snapshot. inner still receives every call unmodified except
// for the appended load sample.
func NewDiagnosticsSink(inner session.Session) session.Session {
	return &sink{inner: inner}
}

func (s *sink) OnTrial(t session.Trial) { s.inner.OnTrial(t) }

func (s *sink) OnState(trialID int, occ session.StateOccurrence) {
	s.inner.OnState(trialID, occ)
}

func (s *sink) OnEvent(trialID int, occ session.EventOccurrence) {
	s.inner.OnEvent(trialID, occ)
}

func (s *sink) OnSoftcode(trialID int, occ session.SoftcodeOccurrence) {
	s.inner.OnSoftcode(trialID, occ)
}

func (s *sink) OnInfo(info session.Info) {
	cpuPercent, err := psutil.Percent(0, false)
	var cpu float64
	if err == nil && len(cpuPercent) > 0 {
		cpu = cpuPercent[0]
	}
	memInfo, err := psmem.VirtualMemory()
	var ram float64
	if err == nil {
		ram = memInfo.UsedPercent
	}

	info.Value = fmt.Sprintf("%s [host: CPU %.1f%% | RAM %.1f%% | %s]",
		info.Value, cpu, ram, runtime.Version())
	s.inner.OnInfo(info)
}
