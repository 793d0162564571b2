package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"Forge/internal/models"
)

// Store is a bounded JSON-file journal of allocation attempts. It
// exists for postmortems on capacity incidents, not as a source of
// truth; the control plane's tags are the real inventory.
type Store struct {
	config StoreConfig
	events []models.AllocationEvent
	mu     sync.RWMutex
}

type StoreConfig struct {
	Enabled   bool
	Path      string
	MaxEvents int
}

// New creates a new store instance
func New(cfg StoreConfig) (*Store, error) {
	s := &Store{
		config: cfg,
		events: make([]models.AllocationEvent, 0),
	}

	// Load existing events if file exists
	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

// RecordAllocation appends one allocation attempt to the journal.
func (s *Store) RecordAllocation(event models.AllocationEvent) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)

	// Trim old events if we exceed max
	if s.config.MaxEvents > 0 && len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}

	return s.save()
}

// GetEvents returns up to limit most recent events, newest last.
func (s *Store) GetEvents(limit int) []models.AllocationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]models.AllocationEvent, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.events)
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := os.WriteFile(s.config.Path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	return nil
}
