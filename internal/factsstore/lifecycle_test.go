package factsstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLifecycle_DormancyAfterFiveConsecutiveMisses(t *testing.T) {
	s := New(Config{})
	proc := NewProcessor(LifecycleConfig{})
	now := time.Now()
	s.Upsert("temperature", "72F", 0.6, 1, nil, now)

	for i := 0; i < 5; i++ {
		proc.Tick(s, map[string]float32{}, map[string]float32{}, now.Add(time.Duration(i)*time.Second))
	}

	f, _ := s.Get("temperature")
	assert.NotNil(t, f.DormantAt)
	assert.True(t, f.ExcludeFromPrompt)

	prompt := s.GetAll(false)
	for _, pf := range prompt {
		assert.NotEqual(t, "temperature", pf.Key)
	}
}

func TestLifecycle_DormancyAfterIdleTimeout(t *testing.T) {
	s := New(Config{})
	proc := NewProcessor(LifecycleConfig{DormantIdle: time.Minute})
	now := time.Now()
	s.Upsert("k", "v", 0.6, 1, nil, now)

	proc.Tick(s, map[string]float32{}, map[string]float32{}, now.Add(2*time.Minute))
	f, _ := s.Get("k")
	assert.NotNil(t, f.DormantAt)
}

func TestLifecycle_ReviveRequiresHysteresis(t *testing.T) {
	s := New(Config{})
	proc := NewProcessor(LifecycleConfig{ReviveDelta: 0.05})
	now := time.Now()
	s.Upsert("k", "v", 0.4, 1, nil, now)
	s.MarkDormant("k", now, 0.05)

	// selected again at same confidence: should NOT revive (no delta).
	proc.Tick(s, map[string]float32{"k": 0.35}, map[string]float32{"k": 0.35}, now)
	assert.True(t, s.IsDormant("k"))

	proc.Tick(s, map[string]float32{"k": 0.45}, map[string]float32{"k": 0.35}, now)
	assert.False(t, s.IsDormant("k"))
}

func TestLifecycle_PruneAfterSixtyMinutesDormant(t *testing.T) {
	s := New(Config{})
	proc := NewProcessor(LifecycleConfig{PruneIdle: time.Hour})
	now := time.Now()
	s.Upsert("k", "v", 0.6, 1, nil, now)
	s.MarkDormant("k", now, 0.05)

	proc.Tick(s, map[string]float32{}, map[string]float32{}, now.Add(61*time.Minute))
	keys := s.DrainPrunedKeys()
	assert.Equal(t, []string{"k"}, keys)
}
