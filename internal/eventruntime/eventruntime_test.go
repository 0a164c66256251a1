package eventruntime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/session"
	"github.com/ocx/realtime-worker/internal/types"
)

type noopCheckpoints struct{}

func (noopCheckpoints) Get(ctx context.Context, eventID string, agentType types.AgentType) (uint64, error) {
	return 0, nil
}
func (noopCheckpoints) Set(ctx context.Context, eventID string, agentType types.AgentType, seq uint64) error {
	return nil
}

type capturingSender struct {
	lastPayload string
}

func (s *capturingSender) SendMessage(ctx context.Context, content string, toolContext map[string]interface{}) error {
	s.lastPayload = content
	return nil
}
func (s *capturingSender) State() session.State            { return session.StateOpen }
func (s *capturingSender) Events() <-chan types.SessionEvent { return nil }

func newTestRuntime(t *testing.T) *EventRuntime {
	t.Helper()
	rt, err := New(context.Background(), "evt-1", "agent-1", noopCheckpoints{}, nil, nil, nil, Config{
		RingCapacity:     64,
		RingWindowMs:     60_000,
		FactsMaxItems:    32,
		CardsTokenBudget: 2048,
	})
	require.NoError(t, err)
	return rt
}

func TestRunFactsPath_ExcludesDormantFactsFromPromptFacts(t *testing.T) {
	rt := newTestRuntime(t)
	facts := &capturingSender{}
	rt.AttachSessions(nil, facts)

	rt.facts.Upsert("active_fact", "still relevant", 0.9, 1, nil, time.Now())
	rt.facts.Upsert("dormant_fact", "stale value", 0.95, 1, nil, time.Now())
	rt.facts.MarkDormant("dormant_fact", time.Now(), 0.05)

	rt.runFactsPath(context.Background())

	require.NotEmpty(t, facts.lastPayload)
	var sent struct {
		Context string       `json:"context"`
		Facts   []types.Fact `json:"facts"`
	}
	require.NoError(t, json.Unmarshal([]byte(facts.lastPayload), &sent))

	for _, f := range sent.Facts {
		assert.NotEqual(t, "dormant_fact", f.Key, "a dormant fact must never appear in prompt_facts")
	}
}
