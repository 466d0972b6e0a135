// Package store holds the record store implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"isa-warehouse/internal/domain"
)

const subsystem = "records"

// SQLiteStore implements domain.RecordStore on a single SQLite table keyed
// by (model, id). Record bodies are stored as JSON and filtered with json_extract.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate record db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			model      TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (model, id)
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS records_model_created ON records (model, created_at)")
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, rec *domain.StoredRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records (model, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		rec.Model, rec.ID, string(data),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.NewSubSystemError(subsystem, "SQLiteStore.Create", domain.ErrDuplicate, rec.Model+"/"+rec.ID)
		}
		return storeError("SQLiteStore.Create", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, model, id string) (*domain.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT model, id, data, created_at, updated_at FROM records WHERE model = ? AND id = ?", model, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError(subsystem, "SQLiteStore.Get", domain.ErrNotFound, model+"/"+id)
	}
	if err != nil {
		return nil, storeError("SQLiteStore.Get", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec *domain.StoredRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE records SET data = ?, updated_at = ? WHERE model = ? AND id = ?",
		string(data), formatTime(rec.UpdatedAt), rec.Model, rec.ID,
	)
	if err != nil {
		return storeError("SQLiteStore.Update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError(subsystem, "SQLiteStore.Update", domain.ErrNotFound, rec.Model+"/"+rec.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, model, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE model = ? AND id = ?", model, id)
	if err != nil {
		return storeError("SQLiteStore.Delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError(subsystem, "SQLiteStore.Delete", domain.ErrNotFound, model+"/"+id)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, model string, q domain.SearchQuery) ([]*domain.StoredRecord, error) {
	where, args := whereClause(model, q.Filters)

	query := "SELECT model, id, data, created_at, updated_at FROM records WHERE " + where
	orderExpr, orderArgs := orderClause(q.OrderBy)
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query += " ORDER BY " + orderExpr + " " + dir + ", id " + dir
	args = append(args, orderArgs...)
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	} else if q.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("SQLiteStore.Search", err)
	}
	defer rows.Close()

	var out []*domain.StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeError("SQLiteStore.Search", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("SQLiteStore.Search", err)
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context, model string, filters map[string]any) (int, error) {
	where, args := whereClause(model, filters)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+where, args...).Scan(&n); err != nil {
		return 0, storeError("SQLiteStore.Count", err)
	}
	return n, nil
}

// whereClause builds an equality filter. Field names are bound as JSON path
// parameters, never spliced into the SQL text.
func whereClause(model string, filters map[string]any) (string, []any) {
	clauses := []string{"model = ?"}
	args := []any{model}

	fields := make([]string, 0, len(filters))
	for f := range filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		v := filters[f]
		if f == domain.IDField {
			clauses = append(clauses, "id = ?")
			args = append(args, v)
			continue
		}
		if v == nil {
			clauses = append(clauses, "json_extract(data, ?) IS NULL")
			args = append(args, jsonPath(f))
			continue
		}
		clauses = append(clauses, "json_extract(data, ?) = ?")
		args = append(args, jsonPath(f), sqlValue(v))
	}
	return strings.Join(clauses, " AND "), args
}

func orderClause(field string) (string, []any) {
	switch field {
	case "", domain.CreatedAtField:
		return "created_at", nil
	case domain.UpdatedAtField:
		return "updated_at", nil
	case domain.IDField:
		return "id", nil
	default:
		return "json_extract(data, ?)", []any{jsonPath(field)}
	}
}

func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

// sqlValue maps a filter value to what json_extract yields for it.
// JSON booleans come back as integers.
func sqlValue(v any) any {
	switch b := v.(type) {
	case bool:
		if b {
			return 1
		}
		return 0
	case json.Number:
		if n, err := b.Int64(); err == nil {
			return n
		}
		f, _ := b.Float64()
		return f
	}
	return v
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.StoredRecord, error) {
	var rec domain.StoredRecord
	var data, createdStr, updatedStr string
	if err := row.Scan(&rec.Model, &rec.ID, &data, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if rec.Data == nil {
		rec.Data = domain.Record{}
	}
	rec.CreatedAt = parseTime(createdStr)
	rec.UpdatedAt = parseTime(updatedStr)
	return &rec, nil
}

// timeLayout is fixed width so that text order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func storeError(op string, err error) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrStore, err.Error())
}
