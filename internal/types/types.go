// Package types holds the shared domain model for the realtime event
// worker: transcript chunks, facts, glossary entries, checkpoints and
// session records. Nothing in here owns state — these are the value
// objects passed between RingBuffer, FactsStore, ContextBuilder,
// CheckpointStore and the session layer.
package types

import "time"

// AgentType identifies which of the two downstream agents a checkpoint
// or session belongs to. "transcript" exists per spec §9 Open Question
// 2: the core persists it but nothing gates behavior on it.
type AgentType string

const (
	AgentCards      AgentType = "cards"
	AgentFacts      AgentType = "facts"
	AgentTranscript AgentType = "transcript"
)

// SessionStatus mirrors the persisted SessionRecord.status column.
type SessionStatus string

const (
	SessionGenerated SessionStatus = "generated"
	SessionStarting  SessionStatus = "starting"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionClosed    SessionStatus = "closed"
	SessionError     SessionStatus = "error"
)

// RuntimeStatus is EventRuntime.status (spec §3, §4.9 state machine).
type RuntimeStatus string

const (
	RuntimeContextComplete RuntimeStatus = "context_complete"
	RuntimeReady           RuntimeStatus = "ready"
	RuntimeRunning         RuntimeStatus = "running"
	RuntimePaused          RuntimeStatus = "paused"
	RuntimeEnded           RuntimeStatus = "ended"
	RuntimeError           RuntimeStatus = "error"
)

// TranscriptChunk is one speech segment as ingested from the transcript
// change stream. Immutable once it enters a RingBuffer.
type TranscriptChunk struct {
	Seq          uint64 `json:"seq"`
	AtMs         int64  `json:"at_ms"`
	Speaker      string `json:"speaker,omitempty"`
	Text         string `json:"text"`
	Final        bool   `json:"final"`
	TranscriptID uint64 `json:"transcript_id,omitempty"`

	// DelayedBackpressure is set when a final chunk blocked the
	// producer up to the 200ms budget (spec §5 backpressure policy)
	// before being accepted, for observability only.
	DelayedBackpressure bool `json:"delayed,omitempty"`
}

// Fact is one key→value belief extracted by the Facts agent, with the
// confidence/lifecycle bookkeeping of spec §3 and §4.2.
type Fact struct {
	Key               string      `json:"key"`
	Value             interface{} `json:"value"`
	Confidence        float32     `json:"confidence"`
	LastSeenSeq       uint64      `json:"last_seen_seq"`
	Sources           []uint64    `json:"sources"`
	CreatedAt         time.Time   `json:"created_at"`
	LastTouchedAt     time.Time   `json:"last_touched_at"`
	MissStreak        uint32      `json:"miss_streak"`
	DormantAt         *time.Time  `json:"dormant_at,omitempty"`
	ExcludeFromPrompt bool        `json:"exclude_from_prompt"`
}

// Clone returns a deep-enough copy for snapshot/bit-exact comparisons
// (spec §8 property 6: pause→resume preserves FactsStore bit-exact).
func (f Fact) Clone() Fact {
	out := f
	out.Sources = append([]uint64(nil), f.Sources...)
	if f.DormantAt != nil {
		t := *f.DormantAt
		out.DormantAt = &t
	}
	return out
}

// GlossaryEntry is read-only to the core; loaded once per EventRuntime.
type GlossaryEntry struct {
	Term            string  `json:"term"`
	Definition      string  `json:"definition"`
	Category        string  `json:"category,omitempty"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// CheckpointRecord is the durable (event_id, agent_type) -> last seq
// marker of spec §4.3.
type CheckpointRecord struct {
	EventID          string    `json:"event_id"`
	AgentType        AgentType `json:"agent_type"`
	LastSeqProcessed uint64    `json:"last_seq_processed"`
}

// SessionRecord is the persisted provider-session row of spec §3.
type SessionRecord struct {
	EventID           string        `json:"event_id"`
	AgentID           string        `json:"agent_id"`
	AgentType         AgentType     `json:"agent_type"`
	ProviderSessionID string        `json:"provider_session_id"`
	Status            SessionStatus `json:"status"`
	Model             string        `json:"model"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	ClosedAt          *time.Time    `json:"closed_at,omitempty"`
	ConnectionCount   int           `json:"connection_count"`
	LastConnectedAt   *time.Time    `json:"last_connected_at,omitempty"`
}

// RingBufferStats is the output of RingBuffer.stats() (spec §4.1).
type RingBufferStats struct {
	Total      int    `json:"total"`
	Finalized  int    `json:"finalized"`
	OldestSeq  uint64 `json:"oldest_seq,omitempty"`
	NewestSeq  uint64 `json:"newest_seq,omitempty"`
	HasOldest  bool   `json:"-"`
	HasNewest  bool   `json:"-"`
}

// TokenBreakdown is the per-section token accounting ContextBuilder
// attaches to every assembled prompt (spec §4.4).
type TokenBreakdown struct {
	Total     int            `json:"total"`
	Breakdown map[string]int `json:"breakdown"`
}

// CardsContext is the output of ContextBuilder.build_cards_context.
type CardsContext struct {
	Bullets         []string          `json:"bullets"`
	Facts           map[string]FactView `json:"facts"`
	GlossaryContext string            `json:"glossary_context"`
	Tokens          TokenBreakdown    `json:"tokens"`
}

// FactView is the {value, confidence} projection of a Fact exposed to
// prompt assembly (spec §4.4).
type FactView struct {
	Value      interface{} `json:"value"`
	Confidence float32     `json:"confidence"`
}

// FactsContext is the output of ContextBuilder.build_facts_context.
type FactsContext struct {
	Context    string         `json:"context"`
	RecentText string         `json:"recent_text"`
	Tokens     TokenBreakdown `json:"tokens"`
}

// FactAdjustment is a (key, delta) confidence nudge emitted by the
// budgeter (spec §4.5 step 6).
type FactAdjustment struct {
	Key   string
	Delta float32
}

// MergeOperation records that Members were folded into Rep during
// FactsBudgeter clustering (spec §4.5 step 4).
type MergeOperation struct {
	Rep     string
	Members []string
}

// BudgetMetrics is FactsBudgeter's {metrics} output block.
type BudgetMetrics struct {
	Selected       int     `json:"selected"`
	TotalFacts     int     `json:"total_facts"`
	Summary        bool    `json:"summary"`
	MergedClusters int     `json:"merged_clusters"`
	Overflow       int     `json:"overflow"`
	UsedTokens     int     `json:"used_tokens"`
	BudgetTokens   int     `json:"budget_tokens"`
	SelectionRatio float64 `json:"selection_ratio"`
}

// BudgetResult is FactsBudgeter's full output (spec §4.5).
type BudgetResult struct {
	SelectedFacts    []Fact
	PromptFacts      []Fact
	FactAdjustments  []FactAdjustment
	MergeOperations  []MergeOperation
	Metrics          BudgetMetrics
}

// TranscriptRecord is one record off the inbound transcript change
// stream (spec §6), before seq assignment. Dedup key is ID.
type TranscriptRecord struct {
	EventID string
	ID      string
	Seq     uint64
	AtMs    int64
	Speaker string
	Text    string
	Final   bool
}

// ProviderEventKind tags the variant of ProviderEvent (spec §6, §9
// "Dynamic object shapes on provider events" -> tagged variants parsed
// once at the transport boundary).
type ProviderEventKind string

const (
	ProviderEventResponseDone ProviderEventKind = "response.done"
	ProviderEventToolCall     ProviderEventKind = "tool_call"
	ProviderEventError        ProviderEventKind = "error"
	ProviderEventPong         ProviderEventKind = "pong"
)

// ProviderEvent is the internal, strongly-typed view of whatever the
// provider transport emits.
type ProviderEvent struct {
	Kind      ProviderEventKind
	Content   string
	ToolName  string
	ToolArgs  map[string]interface{}
	Err       error
	RequestID string
}

// SessionEventKind tags the outbound-from-session events spec §4.6
// lists: card, facts, log, status_change.
type SessionEventKind string

const (
	SessionEventCard         SessionEventKind = "card"
	SessionEventFacts        SessionEventKind = "facts"
	SessionEventLog          SessionEventKind = "log"
	SessionEventStatusChange SessionEventKind = "status_change"
)

// SessionEvent is delivered at-least-once from a RealtimeSession to its
// owning EventRuntime; consumers must be idempotent (spec §4.6).
type SessionEvent struct {
	Kind      SessionEventKind
	EventID   string
	AgentType AgentType
	Payload   interface{}
	Status    SessionStatus
	Message   string
	At        time.Time
}

// RuntimeSnapshot is the read-only copy of EventRuntime fields
// StatusEmitter pulls under a brief read lock (spec §4.10, §5).
type RuntimeSnapshot struct {
	EventID          string
	Status           RuntimeStatus
	CardsLastSeq     uint64
	FactsLastSeq     uint64
	CardsStatus      SessionStatus
	FactsStatus      SessionStatus
	RingStats        RingBufferStats
	FactsCount       int
	FactsLastUpdate  time.Time
	RecentLogs       []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
