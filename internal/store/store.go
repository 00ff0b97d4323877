// Package store defines the Record Store that review records are persisted
// in: a keyed, versioned blob plus a secondary index of searchable fields.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned by Get and Delete for a missing id.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned by Put when expectedVersion does not match.
	ErrConflict = errors.New("version conflict")
)

// Record is one stored blob. Fields holds the index terms the record can be
// found by; each field may carry several terms.
type Record struct {
	ID      int64
	Value   []byte
	Fields  map[string][]string
	Version int64
}

// Condition matches records that have at least one of Terms in Field.
type Condition struct {
	Field string
	Terms []string
}

// Query is a conjunction of conditions. Results are ordered by id,
// newest first. A zero Limit means no limit.
type Query struct {
	Conditions []Condition
	Limit      int
}

// Where appends a condition and returns the query for chaining.
func (q Query) Where(field string, terms ...string) Query {
	q.Conditions = append(q.Conditions, Condition{Field: field, Terms: terms})
	return q
}

// Store persists records. Put with expectedVersion > 0 fails with
// ErrConflict unless the stored version matches; expectedVersion == 0
// writes unconditionally.
type Store interface {
	Put(ctx context.Context, rec Record, expectedVersion int64) (int64, error)
	Get(ctx context.Context, id int64) (*Record, error)
	Delete(ctx context.Context, id int64) error
	Search(ctx context.Context, q Query) ([]int64, error)
	Close() error
}

// CheckVersion applies the expectedVersion rule for a record whose stored
// version is current (0 when absent).
func CheckVersion(id, current, expected int64) error {
	if expected > 0 && current != expected {
		return fmt.Errorf("record %d: expected version %d, have %d: %w", id, expected, current, ErrConflict)
	}
	return nil
}

// Matches reports whether fields satisfy every condition of q.
func Matches(fields map[string][]string, q Query) bool {
	for _, c := range q.Conditions {
		if !matchesCondition(fields[c.Field], c.Terms) {
			return false
		}
	}
	return true
}

func matchesCondition(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[int64]Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: map[int64]Record{}}
}

func cloneRecord(r Record) Record {
	out := Record{ID: r.ID, Version: r.Version, Value: append([]byte(nil), r.Value...)}
	if r.Fields != nil {
		out.Fields = make(map[string][]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = append([]string(nil), v...)
		}
	}
	return out
}

func (m *Memory) Put(_ context.Context, rec Record, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.records[rec.ID].Version
	if err := CheckVersion(rec.ID, current, expectedVersion); err != nil {
		return 0, err
	}
	stored := cloneRecord(rec)
	stored.Version = current + 1
	m.records[rec.ID] = stored
	return stored.Version, nil
}

func (m *Memory) Get(_ context.Context, id int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) Search(_ context.Context, q Query) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id, rec := range m.records {
		if Matches(rec.Fields, q) {
			ids = append(ids, id)
		}
	}
	return SortAndLimit(ids, q.Limit), nil
}

func (m *Memory) Close() error { return nil }

// SortAndLimit orders ids newest first and truncates to limit.
func SortAndLimit(ids []int64, limit int) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}
