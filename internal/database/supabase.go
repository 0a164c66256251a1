// Package database implements the persistence repositories of spec §6
// ("Persistence (outbound): repositories for agents, agent_sessions,
// checkpoints, transcripts, glossary, facts, agent_outputs") on top of
// the Supabase PostgREST client, grounded on the teacher's
// From(table).Select/Insert/Upsert/Update().Eq().ExecuteTo() idiom.
// Checkpoints are not here — internal/checkpoint owns that table
// directly over lib/pq for the atomic-upsert guarantee PostgREST can't
// give us (see that package's doc comment).
package database

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/types"
)

// Client wraps the Supabase Go client with the realtime worker's
// repositories.
type Client struct {
	client *supabase.Client
}

// NewClient builds a Client from SUPABASE_URL/SUPABASE_SERVICE_KEY.
func NewClient() (*Client, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Client{client: client}, nil
}

// ============================================================================
// ROW MODELS — Supabase timestamps round-trip as RFC3339 strings through
// PostgREST, mirroring the teacher's row structs.
// ============================================================================

// AgentRow is the persisted identity of one (event, agent_type) pairing
// (spec §3 EventRuntime.agent_id, §6 "agents" repository).
type AgentRow struct {
	AgentID   string `json:"agent_id"`
	EventID   string `json:"event_id"`
	AgentType string `json:"agent_type"`
	Model     string `json:"model"`
	CreatedAt string `json:"created_at,omitempty"`
}

// AgentSessionRow is the persisted SessionRecord of spec §3 (table
// "agent_sessions").
type AgentSessionRow struct {
	EventID           string  `json:"event_id"`
	AgentID           string  `json:"agent_id"`
	AgentType         string  `json:"agent_type"`
	ProviderSessionID string  `json:"provider_session_id"`
	Status            string  `json:"status"`
	Model             string  `json:"model"`
	ConnectionCount   int     `json:"connection_count"`
	LastConnectedAt   *string `json:"last_connected_at,omitempty"`
	ClosedAt          *string `json:"closed_at,omitempty"`
	UpdatedAt         string  `json:"updated_at,omitempty"`
}

// TranscriptRow is one row of the "transcripts" change-stream table
// (spec §6 "external transcript change stream").
type TranscriptRow struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	Seq     uint64 `json:"seq"`
	AtMs    int64  `json:"at_ms"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

// GlossaryRow is one row of the read-only "glossary" table (spec §3
// glossary_cache).
type GlossaryRow struct {
	EventID         string  `json:"event_id"`
	Term            string  `json:"term"`
	Definition      string  `json:"definition"`
	Category        string  `json:"category,omitempty"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// FactRow is the persisted mirror of a types.Fact (table "facts"), kept
// in sync by EventRuntime's debounced Facts path (spec §4.2).
type FactRow struct {
	EventID       string  `json:"event_id"`
	Key           string  `json:"key"`
	Value         string  `json:"value"`
	Confidence    float32 `json:"confidence"`
	LastSeenSeq   uint64  `json:"last_seen_seq"`
	MissStreak    uint32  `json:"miss_streak"`
	Active        bool    `json:"active"`
	LastTouchedAt string  `json:"last_touched_at,omitempty"`
}

// AgentOutputRow is an audit record of one Cards/Facts send (table
// "agent_outputs"), written for observability; never read back by the
// core (spec §1 non-goal: "agent output quality").
type AgentOutputRow struct {
	EventID   string `json:"event_id"`
	AgentType string `json:"agent_type"`
	Seq       uint64 `json:"seq"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ============================================================================
// AGENTS
// ============================================================================

// AgentRepository persists the (event, agent_type) identity row.
type AgentRepository struct{ c *Client }

func (c *Client) Agents() *AgentRepository { return &AgentRepository{c: c} }

func (r *AgentRepository) Upsert(ctx context.Context, row AgentRow) error {
	var result []AgentRow
	_, err := r.c.client.From("agents").
		Upsert(row, "event_id,agent_type", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("agents upsert: %w", err)
	}
	return nil
}

func (r *AgentRepository) Get(ctx context.Context, eventID, agentType string) (*AgentRow, error) {
	var rows []AgentRow
	_, err := r.c.client.From("agents").
		Select("*", "", false).
		Eq("event_id", eventID).
		Eq("agent_type", agentType).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("agents get: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ============================================================================
// AGENT SESSIONS — implements session.RecordRepository.
// ============================================================================

// SessionRepository persists SessionRecord transitions (spec §4.6/§4.7).
type SessionRepository struct{ c *Client }

func (c *Client) Sessions() *SessionRepository { return &SessionRepository{c: c} }

// Upsert implements session.RecordRepository.
func (r *SessionRepository) Upsert(ctx context.Context, rec types.SessionRecord) error {
	row := AgentSessionRow{
		EventID:           rec.EventID,
		AgentID:           rec.AgentID,
		AgentType:         string(rec.AgentType),
		ProviderSessionID: rec.ProviderSessionID,
		Status:            string(rec.Status),
		Model:             rec.Model,
		ConnectionCount:   rec.ConnectionCount,
		UpdatedAt:         rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.LastConnectedAt != nil {
		s := rec.LastConnectedAt.Format(time.RFC3339)
		row.LastConnectedAt = &s
	}
	if rec.ClosedAt != nil {
		s := rec.ClosedAt.Format(time.RFC3339)
		row.ClosedAt = &s
	}

	var result []AgentSessionRow
	_, err := r.c.client.From("agent_sessions").
		Upsert(row, "event_id,agent_type", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("%w: agent_sessions upsert: %v", apperrors.ErrFatal, err)
	}
	return nil
}

// ListByStatus returns every agent_sessions row with the given status,
// used by Orchestrator recovery (spec §4.9 "loads all agents whose
// persisted status is running") to discover which events to reconstruct.
func (r *SessionRepository) ListByStatus(ctx context.Context, status string) ([]AgentSessionRow, error) {
	var rows []AgentSessionRow
	_, err := r.c.client.From("agent_sessions").
		Select("*", "", false).
		Eq("status", status).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("agent_sessions list by status: %w", err)
	}
	return rows, nil
}

// ============================================================================
// TRANSCRIPTS — implements eventruntime.SeqAssigner and the replay read
// path for Orchestrator recovery.
// ============================================================================

// TranscriptRepository reads/writes the transcript change-stream table.
type TranscriptRepository struct{ c *Client }

func (c *Client) Transcripts() *TranscriptRepository { return &TranscriptRepository{c: c} }

// AssignSeq implements eventruntime.SeqAssigner: persists the seq this
// core assigned back onto the row (spec §4.8 ingest step 3).
func (r *TranscriptRepository) AssignSeq(ctx context.Context, eventID, recordID string, seq uint64) error {
	update := map[string]interface{}{"seq": seq}
	var result []TranscriptRow
	_, err := r.c.client.From("transcripts").
		Update(update, "", "").
		Eq("id", recordID).
		Eq("event_id", eventID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("transcripts assign seq: %w", err)
	}
	return nil
}

// PollPending polls the transcript change stream for rows this core
// has not yet assigned a sequence to (spec §6 "a push subscription
// yielding records"; Supabase Realtime's websocket feed is outside
// this corpus's dependency surface, so the composition root drives
// this as a ticker instead). Rows are ordered by at_ms so dispatch
// preserves arrival order within a poll batch.
func (r *TranscriptRepository) PollPending(ctx context.Context, limit int) ([]types.TranscriptRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []TranscriptRow
	_, err := r.c.client.From("transcripts").
		Select("*", "", false).
		Eq("seq", "0").
		Order("at_ms", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("transcripts poll pending: %w", err)
	}

	records := make([]types.TranscriptRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, types.TranscriptRecord{
			EventID: row.EventID,
			ID:      row.ID,
			Seq:     row.Seq,
			AtMs:    row.AtMs,
			Speaker: row.Speaker,
			Text:    row.Text,
			Final:   row.Final,
		})
	}
	return records, nil
}

// ReplayFrom implements spec §4.9 replay_transcripts: rows with
// seq > afterSeq, ordered ascending, capped at 1000.
func (r *TranscriptRepository) ReplayFrom(ctx context.Context, eventID string, afterSeq uint64) ([]types.TranscriptChunk, error) {
	var rows []TranscriptRow
	_, err := r.c.client.From("transcripts").
		Select("*", "", false).
		Eq("event_id", eventID).
		Gt("seq", fmt.Sprintf("%d", afterSeq)).
		Order("seq", nil).
		Limit(1000, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("transcripts replay: %w", err)
	}

	chunks := make([]types.TranscriptChunk, 0, len(rows))
	for _, row := range rows {
		chunks = append(chunks, types.TranscriptChunk{
			Seq:     row.Seq,
			AtMs:    row.AtMs,
			Speaker: row.Speaker,
			Text:    row.Text,
			Final:   row.Final,
		})
	}
	return chunks, nil
}

// Insert persists one transcript row. Nothing in this repository calls
// it; the audio ingest boundary does not write transcripts.
func (r *TranscriptRepository) Insert(ctx context.Context, row TranscriptRow) error {
	var result []TranscriptRow
	_, err := r.c.client.From("transcripts").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("transcripts insert: %w", err)
	}
	return nil
}

// ============================================================================
// GLOSSARY — implements eventruntime.GlossaryLoader.
// ============================================================================

// GlossaryRepository reads the read-only glossary table.
type GlossaryRepository struct{ c *Client }

func (c *Client) Glossary() *GlossaryRepository { return &GlossaryRepository{c: c} }

// Load implements eventruntime.GlossaryLoader.
func (r *GlossaryRepository) Load(ctx context.Context, eventID string) ([]types.GlossaryEntry, error) {
	var rows []GlossaryRow
	_, err := r.c.client.From("glossary").
		Select("*", "", false).
		Eq("event_id", eventID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("glossary load: %w", err)
	}

	entries := make([]types.GlossaryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, types.GlossaryEntry{
			Term:            row.Term,
			Definition:      row.Definition,
			Category:        row.Category,
			ConfidenceScore: row.ConfidenceScore,
		})
	}
	return entries, nil
}

// ============================================================================
// FACTS — implements eventruntime.FactsPersister.
// ============================================================================

// FactsRepository mirrors FactsStore's confirmed/pruned state to the
// "facts" table for durability across restarts; the in-memory Store
// remains authoritative for the live prompt path.
type FactsRepository struct{ c *Client }

func (c *Client) Facts() *FactsRepository { return &FactsRepository{c: c} }

// PersistFacts implements eventruntime.FactsPersister.
func (r *FactsRepository) PersistFacts(ctx context.Context, eventID string, facts []types.Fact) error {
	rows := make([]FactRow, 0, len(facts))
	for _, f := range facts {
		rows = append(rows, FactRow{
			EventID:       eventID,
			Key:           f.Key,
			Value:         fmt.Sprintf("%v", f.Value),
			Confidence:    f.Confidence,
			LastSeenSeq:   f.LastSeenSeq,
			MissStreak:    f.MissStreak,
			Active:        !f.ExcludeFromPrompt,
			LastTouchedAt: f.LastTouchedAt.Format(time.RFC3339),
		})
	}
	if len(rows) == 0 {
		return nil
	}

	var result []FactRow
	_, err := r.c.client.From("facts").
		Upsert(rows, "event_id,key", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("facts persist: %w", err)
	}
	return nil
}

// MarkInactive implements eventruntime.FactsPersister: marks pruned
// keys inactive rather than deleting the row, preserving audit history.
func (r *FactsRepository) MarkInactive(ctx context.Context, eventID string, keys []string) error {
	update := map[string]interface{}{"active": false}
	for _, key := range keys {
		var result []FactRow
		_, err := r.c.client.From("facts").
			Update(update, "", "").
			Eq("event_id", eventID).
			Eq("key", key).
			ExecuteTo(&result)
		if err != nil {
			return fmt.Errorf("facts mark inactive %s: %w", key, err)
		}
	}
	return nil
}

// ============================================================================
// AGENT OUTPUTS — audit trail, write-only from the core's perspective.
// ============================================================================

// AgentOutputRepository records every Cards/Facts send for observability.
type AgentOutputRepository struct{ c *Client }

func (c *Client) AgentOutputs() *AgentOutputRepository { return &AgentOutputRepository{c: c} }

func (r *AgentOutputRepository) Record(ctx context.Context, eventID string, agentType types.AgentType, seq uint64, payload string) error {
	row := AgentOutputRow{
		EventID:   eventID,
		AgentType: string(agentType),
		Seq:       seq,
		Payload:   payload,
		CreatedAt: time.Now().Format(time.RFC3339),
	}
	var result []AgentOutputRow
	_, err := r.c.client.From("agent_outputs").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("agent_outputs insert: %w", err)
	}
	return nil
}
