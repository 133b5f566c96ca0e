// Package store persists circuit metadata and learned column mappings
// in SQLite. The mapping is stored denormalized as one column per grid
// slot (c1..c14) so operators can read and fix it with plain SQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"kartgate/models"
)

// ErrNotFound is returned for unknown circuit ids.
var ErrNotFound = errors.New("circuit not found")

// Circuit is one upstream venue and its mapping state.
type Circuit struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LiveURL string `json:"live_url"`
	WSSURL  string `json:"wss_url"`

	Mapping models.Mapping `json:"mapping,omitempty"`

	// AutoDetectionSucceeded is nil until a snapshot has been seen.
	AutoDetectionSucceeded *bool  `json:"auto_detection_succeeded,omitempty"`
	NeedsConfiguration     bool   `json:"needs_configuration"`
	MappingUpdatedAt       string `json:"mapping_updated_at,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS circuits (
	id                       TEXT PRIMARY KEY,
	name                     TEXT NOT NULL DEFAULT '',
	live_url                 TEXT NOT NULL DEFAULT '',
	wss_url                  TEXT NOT NULL DEFAULT '',
	c1 TEXT, c2 TEXT, c3 TEXT, c4 TEXT, c5 TEXT, c6 TEXT, c7 TEXT,
	c8 TEXT, c9 TEXT, c10 TEXT, c11 TEXT, c12 TEXT, c13 TEXT, c14 TEXT,
	auto_detection_succeeded INTEGER,
	needs_configuration      INTEGER NOT NULL DEFAULT 0,
	mapping_updated_at       TEXT,
	created_at               TEXT NOT NULL,
	updated_at               TEXT NOT NULL
);`

// Store wraps the SQLite handle.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for throwaway stores.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes itself; a single conn avoids
	// SQLITE_BUSY on concurrent mapping writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db, log: log.Named("store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// mappingColumns names c1..c14 in order.
func mappingColumns() []string {
	cols := make([]string, 0, models.MaxColumns)
	for i := 1; i <= models.MaxColumns; i++ {
		cols = append(cols, fmt.Sprintf("c%d", i))
	}
	return cols
}

// UpsertCircuit creates or updates a circuit's identity fields. The
// mapping columns are untouched; they belong to WriteMapping.
func (s *Store) UpsertCircuit(ctx context.Context, c Circuit) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuits (id, name, live_url, wss_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			live_url = excluded.live_url,
			wss_url = excluded.wss_url,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.LiveURL, c.WSSURL, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert circuit %s: %w", c.ID, err)
	}
	s.log.Info("circuit upserted", zap.String("circuit", c.ID))
	return nil
}

// DeleteCircuit removes a circuit.
func (s *Store) DeleteCircuit(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM circuits WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete circuit %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteMapping stores a freshly inferred mapping: every slot column is
// rewritten (absent slots become NULL), the auto-detection flag is set
// and the needs-configuration flag cleared.
func (s *Store) WriteMapping(ctx context.Context, id string, m models.Mapping) error {
	sets := make([]string, 0, models.MaxColumns+4)
	args := make([]any, 0, models.MaxColumns+4)
	for i := 1; i <= models.MaxColumns; i++ {
		sets = append(sets, fmt.Sprintf("c%d = ?", i))
		if field, ok := m[i]; ok {
			args = append(args, field)
		} else {
			args = append(args, nil)
		}
	}
	ts := now()
	sets = append(sets,
		"auto_detection_succeeded = 1",
		"needs_configuration = 0",
		"mapping_updated_at = ?",
		"updated_at = ?")
	args = append(args, ts, ts, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE circuits SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("write mapping for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.log.Info("mapping written",
		zap.String("circuit", id), zap.Int("columns", len(m)))
	return nil
}

// WriteNeedsConfiguration marks a circuit as requiring manual mapping:
// slot columns are nulled and the needs-configuration flag set.
func (s *Store) WriteNeedsConfiguration(ctx context.Context, id string) error {
	sets := make([]string, 0, models.MaxColumns+4)
	for i := 1; i <= models.MaxColumns; i++ {
		sets = append(sets, fmt.Sprintf("c%d = NULL", i))
	}
	ts := now()
	sets = append(sets,
		"auto_detection_succeeded = 0",
		"needs_configuration = 1",
		"mapping_updated_at = ?",
		"updated_at = ?")

	res, err := s.db.ExecContext(ctx,
		`UPDATE circuits SET `+strings.Join(sets, ", ")+` WHERE id = ?`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("flag circuit %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.log.Warn("circuit flagged as needing configuration", zap.String("circuit", id))
	return nil
}

// Circuit fetches one circuit, ErrNotFound if absent.
func (s *Store) Circuit(ctx context.Context, id string) (Circuit, error) {
	row := s.db.QueryRowContext(ctx, selectQuery()+` WHERE id = ?`, id)
	c, err := scanCircuit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Circuit{}, ErrNotFound
	}
	if err != nil {
		return Circuit{}, fmt.Errorf("read circuit %s: %w", id, err)
	}
	return c, nil
}

// Circuits lists every circuit ordered by id.
func (s *Store) Circuits(ctx context.Context) ([]Circuit, error) {
	rows, err := s.db.QueryContext(ctx, selectQuery()+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list circuits: %w", err)
	}
	defer rows.Close()

	var out []Circuit
	for rows.Next() {
		c, err := scanCircuit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan circuit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func selectQuery() string {
	return `SELECT id, name, live_url, wss_url, ` +
		strings.Join(mappingColumns(), ", ") +
		`, auto_detection_succeeded, needs_configuration, mapping_updated_at FROM circuits`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCircuit(row scanner) (Circuit, error) {
	var c Circuit
	slots := make([]sql.NullString, models.MaxColumns)
	var auto sql.NullBool
	var updatedAt sql.NullString

	dest := []any{&c.ID, &c.Name, &c.LiveURL, &c.WSSURL}
	for i := range slots {
		dest = append(dest, &slots[i])
	}
	dest = append(dest, &auto, &c.NeedsConfiguration, &updatedAt)

	if err := row.Scan(dest...); err != nil {
		return Circuit{}, err
	}

	for i, slot := range slots {
		if slot.Valid && slot.String != "" {
			if c.Mapping == nil {
				c.Mapping = models.Mapping{}
			}
			c.Mapping[i+1] = slot.String
		}
	}
	if auto.Valid {
		c.AutoDetectionSucceeded = &auto.Bool
	}
	c.MappingUpdatedAt = updatedAt.String
	return c, nil
}
