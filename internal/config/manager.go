package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ProfilesConfig holds named per-event-category overrides, e.g. a
// "workshop" profile that widens the facts budget versus a "keynote"
// profile that favors a tighter Cards token budget.
type ProfilesConfig struct {
	Profiles map[string]Config `yaml:"profiles"`
}

// Manager resolves the effective Config for a given event category,
// laying a named profile's sub-structs on top of the global config.
// Mirrors the teacher's per-tenant override resolution:
// the override only ever replaces whole sub-structs that it touches,
// never merges at the leaf-field level.
type Manager struct {
	global   *Config
	profiles map[string]Config
	mu       sync.RWMutex
}

// NewManager loads the global config plus an optional profiles file.
func NewManager(globalPath, profilesPath string) (*Manager, error) {
	global, err := Load(globalPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{global: global, profiles: make(map[string]Config)}
	if profilesPath == "" {
		return m, nil
	}

	f, err := os.Open(profilesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var pc ProfilesConfig
	if err := yaml.NewDecoder(f).Decode(&pc); err != nil {
		return nil, err
	}
	m.profiles = pc.Profiles
	return m, nil
}

// Get returns the effective config for a named profile ("" = global).
func (m *Manager) Get(profile string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global
	override, ok := m.profiles[profile]
	if !ok {
		return &effective
	}

	if override.Facts.MaxItems != 0 {
		effective.Facts = override.Facts
	}
	if override.Budgeter.TopKPreCap != 0 {
		effective.Budgeter = override.Budgeter
	}
	if override.Runtime.CardsTokenBudget != 0 || override.Runtime.FactsDebounceMs != 0 {
		effective.Runtime = override.Runtime
	}
	if override.RingBuffer.Capacity != 0 {
		effective.RingBuffer = override.RingBuffer
	}
	if override.Session.ConnectTimeoutMs != 0 {
		effective.Session = override.Session
	}
	return &effective
}
