package usecase

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"isa-warehouse/internal/domain"
	"isa-warehouse/internal/infra/tracer"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// RecordService is the data-access layer for all models. Every operation is
// authorized against the caller in the context, then validated, then stored.
type RecordService struct {
	store      domain.RecordStore
	models     map[string]domain.ModelSchema
	validators Validators
	authorizer domain.Authorizer
	bus        domain.EventBus // nil = no events
	logger     *slog.Logger
	now        func() time.Time
}

// NewRecordService creates a record service over the given models.
func NewRecordService(
	store domain.RecordStore,
	models []domain.ModelSchema,
	validators Validators,
	authorizer domain.Authorizer,
	bus domain.EventBus,
	logger *slog.Logger,
) *RecordService {
	byName := make(map[string]domain.ModelSchema, len(models))
	for _, m := range models {
		byName[m.Name] = m
	}
	return &RecordService{
		store:      store,
		models:     byName,
		validators: validators,
		authorizer: authorizer,
		bus:        bus,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// authorize checks the caller carried by ctx. A context without a principal is denied.
func (s *RecordService) authorize(ctx context.Context, model string, action domain.Action) error {
	p, ok := domain.PrincipalFromContext(ctx)
	if !ok {
		return domain.NewDomainError("Records.authorize", domain.ErrForbidden, "no authenticated caller")
	}
	return s.authorizer.Authorize(ctx, p, model, action)
}

// Create stores a new record. A missing id is filled with a ULID.
func (s *RecordService) Create(ctx context.Context, model string, rec domain.Record) (domain.Record, error) {
	ctx, span := tracer.StartRecordSpan(ctx, "create", model, "")
	defer span.End()

	if err := s.authorize(ctx, model, domain.ActionCreate); err != nil {
		return nil, err
	}
	mv, err := s.validators.For(model)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec = rec.Clone()
	if _, ok := rec[domain.IDField]; !ok {
		rec[domain.IDField] = newRecordID(now)
	}
	if err := mv.ValidateForCreate(ctx, rec); err != nil {
		return nil, err
	}

	stored := &domain.StoredRecord{Model: model, ID: rec.ID(), Data: rec, CreatedAt: now, UpdatedAt: now}
	span.SetAttributes(tracer.AttrRecordID.String(stored.ID))
	if err := s.store.Create(ctx, stored); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("record created", "model", model, "id", stored.ID, "actor", actorOf(ctx))
	s.publish(ctx, domain.EventRecordCreated, stored)
	return present(stored), nil
}

// Get returns one record.
func (s *RecordService) Get(ctx context.Context, model, id string) (domain.Record, error) {
	ctx, span := tracer.StartRecordSpan(ctx, "get", model, id)
	defer span.End()

	if err := s.authorize(ctx, model, domain.ActionRead); err != nil {
		return nil, err
	}
	mv, err := s.validators.For(model)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.Get(ctx, model, id)
	if err != nil {
		return nil, err
	}
	if err := mv.ValidateAfterRead(ctx, stored.Data); err != nil {
		return nil, err
	}
	return present(stored), nil
}

// Update merges patch into the stored record. patch must carry the id; fields
// set to nil clear nullable fields.
func (s *RecordService) Update(ctx context.Context, model string, patch domain.Record) (domain.Record, error) {
	ctx, span := tracer.StartRecordSpan(ctx, "update", model, "")
	defer span.End()

	if err := s.authorize(ctx, model, domain.ActionUpdate); err != nil {
		return nil, err
	}
	mv, err := s.validators.For(model)
	if err != nil {
		return nil, err
	}
	if err := mv.ValidateForUpdate(ctx, patch); err != nil {
		return nil, err
	}

	stored, err := s.store.Get(ctx, model, patch.ID())
	if err != nil {
		return nil, err
	}
	merged := stored.Data.Clone()
	for k, v := range patch {
		merged[k] = v
	}
	stored.Data = merged
	stored.UpdatedAt = s.now()
	if err := s.store.Update(ctx, stored); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("record updated", "model", model, "id", stored.ID, "actor", actorOf(ctx))
	s.publish(ctx, domain.EventRecordUpdated, stored)
	return present(stored), nil
}

// Delete removes one record.
func (s *RecordService) Delete(ctx context.Context, model, id string) error {
	ctx, span := tracer.StartRecordSpan(ctx, "delete", model, id)
	defer span.End()

	if err := s.authorize(ctx, model, domain.ActionDelete); err != nil {
		return err
	}
	mv, err := s.validators.For(model)
	if err != nil {
		return err
	}
	if err := mv.ValidateForDelete(ctx, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, model, id); err != nil {
		return err
	}

	s.logger.Info("record deleted", "model", model, "id", id, "actor", actorOf(ctx))
	s.publish(ctx, domain.EventRecordDeleted, &domain.StoredRecord{Model: model, ID: id})
	return nil
}

// Search returns records matching q. Limit defaults to 50 and may not exceed 500.
func (s *RecordService) Search(ctx context.Context, model string, q domain.SearchQuery) ([]domain.Record, error) {
	ctx, span := tracer.StartRecordSpan(ctx, "search", model, "")
	defer span.End()

	if err := s.authorize(ctx, model, domain.ActionSearch); err != nil {
		return nil, err
	}
	mv, err := s.validators.For(model)
	if err != nil {
		return nil, err
	}
	if err := s.checkQuery(model, &q); err != nil {
		return nil, err
	}

	found, err := s.store.Search(ctx, model, q)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(found))
	for _, stored := range found {
		if err := mv.ValidateAfterRead(ctx, stored.Data); err != nil {
			return nil, err
		}
		out = append(out, present(stored))
	}
	span.SetAttributes(tracer.AttrResults.Int(len(out)))
	return out, nil
}

// Count returns the number of records matching filters.
func (s *RecordService) Count(ctx context.Context, model string, filters map[string]any) (int, error) {
	ctx, span := tracer.StartRecordSpan(ctx, "count", model, "")
	defer span.End()

	if err := s.authorize(ctx, model, domain.ActionSearch); err != nil {
		return 0, err
	}
	if _, err := s.validators.For(model); err != nil {
		return 0, err
	}
	q := domain.SearchQuery{Filters: filters, Limit: 1}
	if err := s.checkQuery(model, &q); err != nil {
		return 0, err
	}
	return s.store.Count(ctx, model, filters)
}

// ParseFilters converts string filter values (as received in query strings)
// to the kinds declared by the model.
func (s *RecordService) ParseFilters(model string, raw map[string]string) (map[string]any, error) {
	m, ok := s.models[model]
	if !ok {
		return nil, domain.NewSubSystemError("records", "Records.ParseFilters", domain.ErrUnknownModel, model)
	}
	out := make(map[string]any, len(raw))
	for field, v := range raw {
		if field == domain.IDField {
			out[field] = v
			continue
		}
		fc, ok := m.Fields[field]
		if !ok {
			return nil, domain.NewSubSystemError("records", "Records.ParseFilters", domain.ErrInvalidInput,
				fmt.Sprintf("unknown field %q", field))
		}
		parsed, err := parseValue(fc.Kind, v)
		if err != nil {
			return nil, domain.NewSubSystemError("records", "Records.ParseFilters", domain.ErrInvalidInput,
				fmt.Sprintf("field %q: %v", field, err))
		}
		out[field] = parsed
	}
	return out, nil
}

// Models returns the names of all configured models.
func (s *RecordService) Models() []string {
	out := make([]string, 0, len(s.models))
	for name := range s.models {
		out = append(out, name)
	}
	return out
}

func (s *RecordService) checkQuery(model string, q *domain.SearchQuery) error {
	m := s.models[model]
	for field := range q.Filters {
		if field == domain.IDField {
			continue
		}
		if _, ok := m.Fields[field]; !ok {
			return domain.NewSubSystemError("records", "Records.Search", domain.ErrInvalidInput,
				fmt.Sprintf("unknown filter field %q", field))
		}
	}
	switch q.OrderBy {
	case "", domain.IDField, domain.CreatedAtField, domain.UpdatedAtField:
	default:
		if _, ok := m.Fields[q.OrderBy]; !ok {
			return domain.NewSubSystemError("records", "Records.Search", domain.ErrInvalidInput,
				fmt.Sprintf("unknown order_by field %q", q.OrderBy))
		}
	}
	if q.Offset < 0 {
		return domain.NewSubSystemError("records", "Records.Search", domain.ErrInvalidInput, "offset must be >= 0")
	}
	if q.Limit > maxSearchLimit {
		return domain.NewSubSystemError("records", "Records.Search", domain.ErrLimitReached,
			fmt.Sprintf("limit %d exceeds %d", q.Limit, maxSearchLimit))
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	return nil
}

func (s *RecordService) publish(ctx context.Context, typ domain.EventType, stored *domain.StoredRecord) {
	if s.bus == nil {
		return
	}
	var payload json.RawMessage
	if stored.Data != nil {
		payload, _ = json.Marshal(present(stored))
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: s.now(),
		Actor:     actorOf(ctx),
		Model:     stored.Model,
		RecordID:  stored.ID,
		RequestID: domain.RequestIDFromContext(ctx),
		Payload:   payload,
	})
}

// present returns the record as seen by clients, with bookkeeping timestamps.
func present(stored *domain.StoredRecord) domain.Record {
	out := stored.Data.Clone()
	out[domain.IDField] = stored.ID
	out[domain.CreatedAtField] = stored.CreatedAt.Format(time.RFC3339Nano)
	out[domain.UpdatedAtField] = stored.UpdatedAt.Format(time.RFC3339Nano)
	return out
}

func actorOf(ctx context.Context) string {
	p, _ := domain.PrincipalFromContext(ctx)
	return p.User
}

func parseValue(kind domain.FieldKind, v string) (any, error) {
	switch kind {
	case domain.KindInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("want integer, got %q", v)
		}
		return n, nil
	case domain.KindNumber:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("want number, got %q", v)
		}
		return f, nil
	case domain.KindBoolean:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("want boolean, got %q", v)
		}
		return b, nil
	default:
		return v, nil
	}
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newRecordID generates a ULID for a new record. IDs minted within the same
// millisecond increase monotonically.
func newRecordID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), idEntropy).String()
}
