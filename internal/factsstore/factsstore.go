// Package factsstore implements the bounded fact map and lifecycle
// algorithm of spec §3 and §4.2: upsert with confidence reconciliation,
// LRU eviction, dormancy, revival and pruning.
package factsstore

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ocx/realtime-worker/internal/types"
)

const (
	defaultSourceCap          = 10
	defaultAgreementIncrement = float32(0.1)
	defaultMismatchDecrement  = float32(0.2)
	mismatchFloor             = float32(0.1)
)

// Config carries the tunables spec §4.5 requires to be configurable,
// shared with FactsBudgeter via the same config.Config values.
type Config struct {
	MaxItems           int
	SourceCap          int
	AgreementIncrement float32
	MismatchDecrement  float32
}

// Store is a bounded key->Fact map with LRU eviction by last_touched_at.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	facts  map[string]types.Fact
	pruned []string
	merges []mergeRecord
}

type mergeRecord struct {
	Rep     string
	Members []string
	At      time.Time
}

// New creates a Store. Zero-valued Config fields fall back to spec
// defaults (max_items=50, source cap=10, +0.1/-0.2).
func New(cfg Config) *Store {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 50
	}
	if cfg.SourceCap <= 0 {
		cfg.SourceCap = defaultSourceCap
	}
	if cfg.AgreementIncrement == 0 {
		cfg.AgreementIncrement = defaultAgreementIncrement
	}
	if cfg.MismatchDecrement == 0 {
		cfg.MismatchDecrement = defaultMismatchDecrement
	}
	return &Store{cfg: cfg, facts: make(map[string]types.Fact)}
}

// Upsert inserts or reconciles a fact (spec §4.2 upsert, §3 confidence
// invariant, and the idempotence law: upsert(k,v,c,s) then
// upsert(k,v,c',s) with the same v yields
// confidence = min(1, max(prev, c, c') + agreementIncrement)).
func (s *Store) Upsert(key string, value interface{}, confidenceIn float32, seq uint64, sourceID *uint64, now time.Time) types.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.facts[key]
	if !ok {
		f := types.Fact{
			Key:           key,
			Value:         value,
			Confidence:    clamp01(confidenceIn),
			LastSeenSeq:   seq,
			CreatedAt:     now,
			LastTouchedAt: now,
		}
		if sourceID != nil {
			f.Sources = appendCapped(f.Sources, *sourceID, s.cfg.SourceCap)
		}
		s.evictIfFullLocked()
		s.facts[key] = f
		return f.Clone()
	}

	if valuesEqual(existing.Value, value) {
		base := existing.Confidence
		if confidenceIn > base {
			base = confidenceIn
		}
		existing.Confidence = clamp01(base + s.cfg.AgreementIncrement)
	} else {
		existing.Value = value
		next := existing.Confidence - s.cfg.MismatchDecrement
		if next < mismatchFloor {
			next = mismatchFloor
		}
		existing.Confidence = next
	}
	existing.LastSeenSeq = seq
	existing.LastTouchedAt = now
	existing.MissStreak = 0
	if sourceID != nil {
		existing.Sources = appendCapped(existing.Sources, *sourceID, s.cfg.SourceCap)
	}
	s.facts[key] = existing
	return existing.Clone()
}

func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

func appendCapped(sources []uint64, id uint64, cap int) []uint64 {
	sources = append(sources, id)
	if len(sources) > cap {
		sources = sources[len(sources)-cap:]
	}
	return sources
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// evictIfFullLocked drops the least-recently-touched fact when the
// store is at capacity. Caller holds s.mu.
func (s *Store) evictIfFullLocked() {
	if len(s.facts) < s.cfg.MaxItems {
		return
	}
	var lruKey string
	var lruTime time.Time
	first := true
	for k, f := range s.facts {
		if first || f.LastTouchedAt.Before(lruTime) {
			lruKey = k
			lruTime = f.LastTouchedAt
			first = false
		}
	}
	if lruKey != "" {
		delete(s.facts, lruKey)
	}
}

// MarkDormant implements spec §4.2 mark_dormant; idempotent.
func (s *Store) MarkDormant(key string, now time.Time, drop float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.facts[key]
	if !ok || f.DormantAt != nil {
		return
	}
	t := now
	f.DormantAt = &t
	f.Confidence = clamp01(f.Confidence - drop)
	f.ExcludeFromPrompt = true
	s.facts[key] = f
}

// ReviveFromSelection implements spec §4.2 revive_from_selection.
// prevConf == nil is treated as 0, per spec's "(prev_conf ?? 0)".
func (s *Store) ReviveFromSelection(key string, prevConf *float32, currConf float32, now time.Time, delta float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.facts[key]
	if !ok || f.DormantAt == nil {
		return false
	}
	base := float32(0)
	if prevConf != nil {
		base = *prevConf
	}
	if currConf < base+delta {
		return false
	}
	f.DormantAt = nil
	f.ExcludeFromPrompt = false
	f.LastTouchedAt = now
	s.facts[key] = f
	return true
}

// Prune implements spec §4.2 prune: excludes the fact and enqueues it
// on the drain list returned by DrainPrunedKeys.
func (s *Store) Prune(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.facts[key]
	if !ok {
		return
	}
	f.ExcludeFromPrompt = true
	s.facts[key] = f
	s.pruned = append(s.pruned, key)
}

// DrainPrunedKeys returns and clears the pending-pruned-key list.
func (s *Store) DrainPrunedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pruned
	s.pruned = nil
	return out
}

// ApplyConfidenceAdjustments implements spec §4.5 step 6's application
// side: +selected bonus (cap 1.0) / -unadmitted penalty (floor 0.05).
// A penalty never takes a confidence below 0.05; one already below 0.05
// is left unchanged by a penalty.
func (s *Store) ApplyConfidenceAdjustments(adjustments []types.FactAdjustment) {
	const penaltyFloor = float32(0.05)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, adj := range adjustments {
		f, ok := s.facts[adj.Key]
		if !ok {
			continue
		}
		next := f.Confidence + adj.Delta
		if adj.Delta < 0 && next < penaltyFloor {
			next = penaltyFloor
			if f.Confidence < penaltyFloor {
				next = f.Confidence
			}
		}
		f.Confidence = clamp01(next)
		s.facts[adj.Key] = f
	}
}

// RecordMerge implements spec §4.5 step 4's bookkeeping side: the
// representative's touch time advances; members are left untouched in
// the map (merge is presentation-layer dedup, not deletion).
func (s *Store) RecordMerge(rep string, members []string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.facts[rep]; ok {
		f.LastTouchedAt = ts
		s.facts[rep] = f
	}
	s.merges = append(s.merges, mergeRecord{Rep: rep, Members: append([]string(nil), members...), At: ts})
}

// IncrementMissStreak bumps miss_streak for a fact that was eligible
// but not selected by the budgeter (spec §4.2 lifecycle policy).
func (s *Store) IncrementMissStreak(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.facts[key]; ok {
		f.MissStreak++
		s.facts[key] = f
	}
}

// Get returns a copy of the fact, if present.
func (s *Store) Get(key string) (types.Fact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	if !ok {
		return types.Fact{}, false
	}
	return f.Clone(), true
}

// IsDormant reports whether key is currently dormant.
func (s *Store) IsDormant(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	return ok && f.DormantAt != nil
}

// GetAll returns a deterministically (by key) ordered slice of facts,
// including dormant/pruned ones unless includeExcluded is false.
func (s *Store) GetAll(includeExcluded bool) []types.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Fact, 0, len(s.facts))
	for _, f := range s.facts {
		if !includeExcluded && f.ExcludeFromPrompt {
			continue
		}
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the current fact count (spec §8 property 5:
// len(get_all()) <= max_items always — callers should compare against
// the unfiltered count via GetAll(true)).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts)
}

// Snapshot returns a deep copy of the entire map for the bit-exact
// pause/resume comparison of spec §8 property 6.
func (s *Store) Snapshot() map[string]types.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.Fact, len(s.facts))
	for k, f := range s.facts {
		out[k] = f.Clone()
	}
	return out
}

// Restore replaces the store's contents wholesale, used by pause/resume
// and by tests constructing a fixture state.
func (s *Store) Restore(facts map[string]types.Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.facts = make(map[string]types.Fact, len(facts))
	for k, f := range facts {
		s.facts[k] = f.Clone()
	}
}
