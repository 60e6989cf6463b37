// Package datastore holds the tabular data shared by every run: price/volume
// series, indicators, signals and backtest results.
package datastore

import (
	"fmt"
	"sync"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
)

type collection struct {
	mu     sync.RWMutex
	fields models.FieldTables
}

// Store is an in-process keyed store with one lock per collection. Tables are
// cloned on the way in and on the way out, so callers never share memory with it.
type Store struct {
	collections map[string]*collection
	metrics     domrepo.Metrics
}

// Option configures Store.
type Option func(*Store)

// WithMetrics records every successful update.
func WithMetrics(m domrepo.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates an empty store holding the standard collections.
func New(opts ...Option) *Store {
	s := &Store{collections: make(map[string]*collection, 4)}
	for _, name := range models.Collections() {
		s.collections[name] = &collection{fields: make(models.FieldTables)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a deep copy of every collection.
func (s *Store) Snapshot() models.Snapshot {
	out := make(models.Snapshot, len(s.collections))
	for name, c := range s.collections {
		c.mu.RLock()
		out[name] = c.fields.Clone()
		c.mu.RUnlock()
	}
	return out
}

// Update inserts or replaces one field's table.
func (s *Store) Update(name, field string, t *models.Table) error {
	c, err := s.get(name)
	if err != nil {
		return err
	}
	if field == "" {
		return fmt.Errorf("%w: empty field name", models.ErrTypeMismatch)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("update %s/%s: %w", name, field, err)
	}
	if name == models.CollectionSignal {
		if err := t.ValidateSignal(); err != nil {
			return fmt.Errorf("update %s/%s: %w", name, field, err)
		}
	}

	cp := t.Clone()
	c.mu.Lock()
	c.fields[field] = cp
	c.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordStoreUpdate(name)
	}
	return nil
}

// Collection returns a deep copy of one collection.
func (s *Store) Collection(name string) (models.FieldTables, error) {
	c, err := s.get(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fields.Clone(), nil
}

// Fields lists the field names of one collection.
func (s *Store) Fields(name string) ([]string, error) {
	c, err := s.get(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fields.Names(), nil
}

// Clear drops every field of one collection.
func (s *Store) Clear(name string) error {
	c, err := s.get(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.fields = make(models.FieldTables)
	c.mu.Unlock()
	return nil
}

func (s *Store) get(name string) (*collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownCollection, name)
	}
	return c, nil
}

var _ domrepo.DataStore = (*Store)(nil)
