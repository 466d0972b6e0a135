package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"isa-warehouse/internal/domain"
)

// MemoryStore implements domain.RecordStore in process memory. Records are
// normalised through a JSON round trip so reads match what SQLiteStore yields.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*domain.StoredRecord // model -> id -> record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]*domain.StoredRecord)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Create(_ context.Context, rec *domain.StoredRecord) error {
	cp, err := normalise(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[rec.Model]
	if !ok {
		byID = make(map[string]*domain.StoredRecord)
		s.records[rec.Model] = byID
	}
	if _, exists := byID[rec.ID]; exists {
		return domain.NewSubSystemError(subsystem, "MemoryStore.Create", domain.ErrDuplicate, rec.Model+"/"+rec.ID)
	}
	byID[rec.ID] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, model, id string) (*domain.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[model][id]
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, "MemoryStore.Get", domain.ErrNotFound, model+"/"+id)
	}
	return clone(rec), nil
}

func (s *MemoryStore) Update(_ context.Context, rec *domain.StoredRecord) error {
	cp, err := normalise(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.records[rec.Model][rec.ID]
	if !ok {
		return domain.NewSubSystemError(subsystem, "MemoryStore.Update", domain.ErrNotFound, rec.Model+"/"+rec.ID)
	}
	cp.CreatedAt = old.CreatedAt
	s.records[rec.Model][rec.ID] = cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, model, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[model][id]; !ok {
		return domain.NewSubSystemError(subsystem, "MemoryStore.Delete", domain.ErrNotFound, model+"/"+id)
	}
	delete(s.records[model], id)
	return nil
}

func (s *MemoryStore) Search(_ context.Context, model string, q domain.SearchQuery) ([]*domain.StoredRecord, error) {
	s.mu.RLock()
	matched := s.match(model, q.Filters)
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		c := compareBy(matched[i], matched[j], q.OrderBy)
		if c == 0 {
			c = strings.Compare(matched[i].ID, matched[j].ID)
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Count(_ context.Context, model string, filters map[string]any) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.match(model, filters)), nil
}

// match returns clones of the model's records that satisfy every filter.
// Callers hold at least the read lock.
func (s *MemoryStore) match(model string, filters map[string]any) []*domain.StoredRecord {
	var out []*domain.StoredRecord
	for _, rec := range s.records[model] {
		if matches(rec, filters) {
			out = append(out, clone(rec))
		}
	}
	return out
}

func matches(rec *domain.StoredRecord, filters map[string]any) bool {
	for field, want := range filters {
		if field == domain.IDField {
			if rec.ID != fmt.Sprint(want) {
				return false
			}
			continue
		}
		got, ok := rec.Data[field]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

// equalValue compares a stored JSON value with a filter value. Numbers
// compare by value regardless of Go type.
func equalValue(got, want any) bool {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok || wok {
		return gok && wok && gf == wf
	}
	return got == want
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func compareBy(a, b *domain.StoredRecord, field string) int {
	switch field {
	case "", domain.CreatedAtField:
		return a.CreatedAt.Compare(b.CreatedAt)
	case domain.UpdatedAtField:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case domain.IDField:
		return strings.Compare(a.ID, b.ID)
	}
	return compareValue(a.Data[field], b.Data[field])
}

// compareValue orders JSON values with nulls first, like SQLite.
func compareValue(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func normalise(rec *domain.StoredRecord) (*domain.StoredRecord, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	cp := *rec
	cp.Data = domain.Record{}
	if err := json.Unmarshal(data, &cp.Data); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if cp.Data == nil {
		cp.Data = domain.Record{}
	}
	return &cp, nil
}

func clone(rec *domain.StoredRecord) *domain.StoredRecord {
	cp := *rec
	cp.Data = rec.Data.Clone()
	return &cp
}
