// Package checkpoint implements the durable (event_id, agent_type) ->
// last_seq map of spec §4.3 on top of a direct Postgres connection.
//
// Supabase's PostgREST client (used for the bulkier agents/transcripts/
// facts tables in internal/database) has no portable way to express
// "INSERT ... ON CONFLICT (event_id, agent_type) DO UPDATE" as a single
// atomic, crash-safe operation — it is two round trips (select, then
// insert-or-update) unless the caller hand-rolls upsert semantics
// through its own query builder, which reintroduces the race this
// store exists to avoid. A dedicated database/sql + lib/pq connection
// gives us a real upsert in one statement, which is what spec §4.3's
// "a committed write is visible to any subsequent read" and "writes
// are idempotent" actually require.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/types"
)

const upsertSQL = `
INSERT INTO agent_checkpoints (event_id, agent_type, last_seq_processed)
VALUES ($1, $2, $3)
ON CONFLICT (event_id, agent_type)
DO UPDATE SET last_seq_processed = EXCLUDED.last_seq_processed
WHERE agent_checkpoints.last_seq_processed < EXCLUDED.last_seq_processed
`

const selectSQL = `
SELECT last_seq_processed FROM agent_checkpoints
WHERE event_id = $1 AND agent_type = $2
`

const selectAllRunningSQL = `
SELECT event_id, agent_type, last_seq_processed FROM agent_checkpoints
WHERE event_id = ANY($1)
`

// Store is a Postgres-backed CheckpointStore with a read-through
// in-memory cache — reads never need a round trip once a value has
// been written or loaded once, satisfying "a committed write is
// visible to any subsequent read" without re-querying Postgres on the
// ingest hot path.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[key]uint64
}

type key struct {
	eventID   string
	agentType types.AgentType
}

// Open connects to Postgres via lib/pq using dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: ping: %w", err)
	}
	return &Store{db: db, cache: make(map[key]uint64)}, nil
}

// NewInMemory builds a Store with no backing database, for tests and
// for local/offline runs. Writes only land in the cache.
func NewInMemory() *Store {
	return &Store{cache: make(map[key]uint64)}
}

// Close releases the underlying connection pool, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the last seq processed for (eventID, agentType), or 0 if
// absent (spec §4.3 "Reads return 0 when absent").
func (s *Store) Get(ctx context.Context, eventID string, agentType types.AgentType) (uint64, error) {
	k := key{eventID, agentType}

	s.mu.RLock()
	if v, ok := s.cache[k]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	if s.db == nil {
		return 0, nil
	}

	var seq uint64
	err := s.db.QueryRowContext(ctx, selectSQL, eventID, string(agentType)).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrCheckpoint, err)
	}

	s.mu.Lock()
	s.cache[k] = seq
	s.mu.Unlock()
	return seq, nil
}

// Set upserts the checkpoint. Monotonic advance is enforced by the SQL
// WHERE clause server-side and mirrored client-side in the cache so a
// stale write from a slow caller can never regress the value (spec §5
// "a checkpoint write for seq=N must not land before one for
// seq=M<N").
func (s *Store) Set(ctx context.Context, eventID string, agentType types.AgentType, seq uint64) error {
	k := key{eventID, agentType}

	s.mu.Lock()
	if cur, ok := s.cache[k]; ok && cur >= seq {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.db != nil {
		if _, err := s.db.ExecContext(ctx, upsertSQL, eventID, string(agentType), seq); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrCheckpoint, err)
		}
	}

	s.mu.Lock()
	if cur, ok := s.cache[k]; !ok || seq > cur {
		s.cache[k] = seq
	}
	s.mu.Unlock()
	return nil
}

// LoadRunning reads all three checkpoints for each of eventIDs in one
// round trip, used by Orchestrator recovery (spec §4.9) to reconstruct
// EventRuntimes without an N+1 query per event.
func (s *Store) LoadRunning(ctx context.Context, eventIDs []string) (map[string]map[types.AgentType]uint64, error) {
	out := make(map[string]map[types.AgentType]uint64, len(eventIDs))
	for _, id := range eventIDs {
		out[id] = make(map[types.AgentType]uint64)
	}
	if s.db == nil || len(eventIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, selectAllRunningSQL, pq.Array(eventIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCheckpoint, err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID, agentType string
		var seq uint64
		if err := rows.Scan(&eventID, &agentType, &seq); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrCheckpoint, err)
		}
		if out[eventID] == nil {
			out[eventID] = make(map[types.AgentType]uint64)
		}
		out[eventID][types.AgentType(agentType)] = seq

		s.mu.Lock()
		s.cache[key{eventID, types.AgentType(agentType)}] = seq
		s.mu.Unlock()
	}
	return out, rows.Err()
}
