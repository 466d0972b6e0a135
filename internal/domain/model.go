package domain

import (
	"context"
	"sort"
	"time"
)

// FieldKind is the primitive type of a model field.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindInteger FieldKind = "integer"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
)

// IsValidFieldKind returns true if s names a supported field kind.
func IsValidFieldKind(s string) bool {
	switch FieldKind(s) {
	case KindString, KindInteger, KindNumber, KindBoolean:
		return true
	}
	return false
}

// FieldConstraint describes one field of a model.
type FieldConstraint struct {
	Kind     FieldKind
	Nullable bool
}

// IDField is the primary key every model carries.
const IDField = "id"

// Bookkeeping fields maintained by the record service, never by clients.
const (
	CreatedAtField = "created_at"
	UpdatedAtField = "updated_at"
)

// ModelSchema is the declarative field table of one model.
type ModelSchema struct {
	Name   string
	Fields map[string]FieldConstraint
}

// FieldNames returns the declared field names in sorted order.
func (m ModelSchema) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Record is one stored instance of a model, as a JSON object.
type Record map[string]any

// ID returns the record's primary key, or "" if absent.
func (r Record) ID() string {
	id, _ := r[IDField].(string)
	return id
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StoredRecord is a record together with its bookkeeping timestamps.
type StoredRecord struct {
	Model     string
	ID        string
	Data      Record
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SearchQuery selects records of one model. Filters are field-equality matches.
type SearchQuery struct {
	Filters map[string]any
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// RecordStore persists records for all models.
type RecordStore interface {
	Create(ctx context.Context, rec *StoredRecord) error
	Get(ctx context.Context, model, id string) (*StoredRecord, error)
	Update(ctx context.Context, rec *StoredRecord) error
	Delete(ctx context.Context, model, id string) error
	Search(ctx context.Context, model string, q SearchQuery) ([]*StoredRecord, error)
	Count(ctx context.Context, model string, filters map[string]any) (int, error)
	Close() error
}

// ModelValidator is the validation bundle of one model, invoked by the data-access layer.
type ModelValidator interface {
	ValidateForCreate(ctx context.Context, rec Record) error
	ValidateForUpdate(ctx context.Context, rec Record) error
	ValidateForDelete(ctx context.Context, id string) error
	ValidateAfterRead(ctx context.Context, rec Record) error
}
