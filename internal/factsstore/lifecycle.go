package factsstore

import "time"

// LifecycleConfig carries the thresholds of spec §4.2's lifecycle
// policy, all configurable per SPEC_FULL.md's ambient-stack note.
type LifecycleConfig struct {
	DormantMissStreak uint32
	DormantIdle       time.Duration
	DormantConfDrop   float32
	ReviveDelta       float32
	PruneIdle         time.Duration
}

func defaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		DormantMissStreak: 5,
		DormantIdle:       15 * time.Minute,
		DormantConfDrop:   0.05,
		ReviveDelta:       0.05,
		PruneIdle:         60 * time.Minute,
	}
}

// Processor applies the dormancy/revival/pruning algorithm of spec
// §4.2 against a Store, once per Facts debounce cycle. It holds no
// state of its own beyond the config — all mutation happens through
// the Store's own locked methods.
type Processor struct {
	cfg LifecycleConfig
}

// NewProcessor builds a Processor. Zero fields fall back to spec
// defaults.
func NewProcessor(cfg LifecycleConfig) *Processor {
	d := defaultLifecycleConfig()
	if cfg.DormantMissStreak == 0 {
		cfg.DormantMissStreak = d.DormantMissStreak
	}
	if cfg.DormantIdle == 0 {
		cfg.DormantIdle = d.DormantIdle
	}
	if cfg.DormantConfDrop == 0 {
		cfg.DormantConfDrop = d.DormantConfDrop
	}
	if cfg.ReviveDelta == 0 {
		cfg.ReviveDelta = d.ReviveDelta
	}
	if cfg.PruneIdle == 0 {
		cfg.PruneIdle = d.PruneIdle
	}
	return &Processor{cfg: cfg}
}

// Tick runs one lifecycle pass: selectedKeys is the set chosen by
// FactsBudgeter this cycle (spec §5 "S5 — Fact dormancy" and the
// dormant/revive/prune rules in §4.2). now is the processing time.
//
// For every fact eligible but not selected: miss_streak++, then
// dormant if miss_streak >= threshold OR idle >= DormantIdle.
// For every selected fact that is dormant: attempt revival with
// hysteresis. Dormant facts idle beyond PruneIdle are pruned.
func (p *Processor) Tick(store *Store, selectedKeys map[string]float32, prevConfidence map[string]float32, now time.Time) {
	for _, f := range store.GetAll(true) {
		selectedConf, wasSelected := selectedKeys[f.Key]

		if f.DormantAt != nil {
			if wasSelected {
				prev := prevConfidence[f.Key]
				store.ReviveFromSelection(f.Key, &prev, selectedConf, now, p.cfg.ReviveDelta)
				continue
			}
			if now.Sub(*f.DormantAt) >= p.cfg.PruneIdle {
				store.Prune(f.Key, now)
			}
			continue
		}

		if wasSelected {
			continue
		}

		store.IncrementMissStreak(f.Key)
		refreshed, ok := store.Get(f.Key)
		if !ok {
			continue
		}
		idle := now.Sub(refreshed.LastTouchedAt)
		if refreshed.MissStreak >= p.cfg.DormantMissStreak || idle >= p.cfg.DormantIdle {
			store.MarkDormant(f.Key, now, p.cfg.DormantConfDrop)
		}
	}
}
