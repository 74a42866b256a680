package diagnostics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bpod/internal/session"
)

func TestDiagnosticsSinkAnnotatesInfo(t *testing.T) {
	inner := session.NewMemorySink()
	s := NewDiagnosticsSink(inner)

	s.OnInfo(session.Info{Key: session.InfoSessionStarted, Value: "2026-07-29"})

	require.Len(t, inner.Infos, 1)
	assert.True(t, strings.HasPrefix(inner.Infos[0].Value, "2026-07-29 [host:"))
	assert.Contains(t, inner.Infos[0].Value, "CPU")
	assert.Contains(t, inner.Infos[0].Value, "RAM")
}

func TestDiagnosticsSinkPassesThroughOtherCalls(t *testing.T) {
	inner := session.NewMemorySink()
	s := NewDiagnosticsSink(inner)

	s.OnState(1, session.StateOccurrence{Name: "s1"})
	s.OnEvent(1, session.EventOccurrence{Name: "Port1In"})
	s.OnSoftcode(1, session.SoftcodeOccurrence{Code: 2})
	s.OnTrial(session.Trial{ID: 1})

	assert.Len(t, inner.Trials, 1)
}
