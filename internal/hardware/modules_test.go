package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleRegistrySetAndGet(t *testing.T) {
	r := NewModuleRegistry(3)
	assert.Equal(t, 3, r.Len())

	r.Set(1, Module{Connected: true, Name: "WavePlayer", NSerialEvents: 2, EventNames: []string{"Play", "Stop"}})

	assert.Equal(t, Module{}, r.Module(0))
	got := r.Module(1)
	assert.True(t, got.Connected)
	assert.Equal(t, "WavePlayer", got.Name)
	assert.Equal(t, []string{"Play", "Stop"}, got.EventNames)
}

func TestModuleRegistryOutOfRangeIsNoop(t *testing.T) {
	r := NewModuleRegistry(2)
	r.Set(-1, Module{Name: "ignored"})
	r.Set(5, Module{Name: "ignored"})

	assert.Equal(t, Module{}, r.Module(-1))
	assert.Equal(t, Module{}, r.Module(5))
}
