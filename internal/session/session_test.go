package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemorySinkAccumulatesPerTrial(t *testing.T) {
	s := NewMemorySink()

	s.OnState(1, StateOccurrence{Name: "s1", Start: 0, End: 0.5})
	s.OnEvent(1, EventOccurrence{Name: "Port1In", Timestamp: 0.1})
	s.OnSoftcode(1, SoftcodeOccurrence{Code: 3, Timestamp: 0.2})

	s.OnTrial(Trial{
		ID:     1,
		States: []StateOccurrence{{Name: "s1", Start: 0, End: 0.5}},
	})

	assert.Len(t, s.Trials, 1)
	assert.Equal(t, 1, s.Trials[0].ID)
	assert.Len(t, s.Trials[0].States, 1)
}

func TestMemorySinkOnInfo(t *testing.T) {
	s := NewMemorySink()
	s.OnInfo(Info{Key: InfoSessionStarted, Value: "2026-07-29"})
	assert.Len(t, s.Infos, 1)
	assert.Equal(t, InfoSessionStarted, s.Infos[0].Key)
}

func TestMemorySinkIndependentTrials(t *testing.T) {
	s := NewMemorySink()
	s.OnState(1, StateOccurrence{Name: "a"})
	s.OnState(2, StateOccurrence{Name: "b"})

	assert.Len(t, s.trial(1).States, 1)
	assert.Len(t, s.trial(2).States, 1)
	assert.NotEqual(t, s.trial(1).States[0].Name, s.trial(2).States[0].Name)
}
