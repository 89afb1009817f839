// Package journal records processed device requests in SQLite.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"vdev/internal/device"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Entry is one recorded request.
type Entry struct {
	ID           int64
	Kind         device.Kind
	Path         string
	Dev          device.Number
	Mode         device.NodeMode
	State        device.State
	ErrorKind    string
	ErrorMessage string
	Instance     string
	Params       map[string]string
	CreatedAt    time.Time
	RecordedAt   time.Time
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Path  string
	Kind  device.Kind
	Limit int
}

// Store manages the journal database.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open initializes or connects to the journal database.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a terminal request.
func (s *Store) Record(ctx context.Context, req *device.Request, instance string) error {
	if req == nil {
		return errors.New("request is nil")
	}
	var errorKind, errorMessage sql.NullString
	if err := req.Err(); err != nil {
		errorKind = sql.NullString{String: device.KindName(err), Valid: true}
		errorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	var params sql.NullString
	if len(req.Params) > 0 {
		data, err := json.Marshal(req.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		params = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_events (
            kind, device_path, dev_major, dev_minor, node_mode, state,
            error_kind, error_message, instance, params_json, created_at, recorded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(req.Kind),
		req.Path,
		req.Dev.Major,
		req.Dev.Minor,
		nullableString(string(req.Mode)),
		string(req.State()),
		errorKind,
		errorMessage,
		instance,
		params,
		req.Created.UTC().Format(time.RFC3339Nano),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns recorded entries, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT id, kind, device_path, dev_major, dev_minor, node_mode, state,
        error_kind, error_message, instance, params_json, created_at, recorded_at
        FROM device_events`
	var where []string
	var args []any
	if filter.Path != "" {
		where = append(where, "device_path = ?")
		args = append(args, device.CleanPath(filter.Path))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes entries recorded before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_events WHERE recorded_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// PruneOlderThan deletes entries older than the given number of days. Zero keeps
// everything.
func (s *Store) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	return s.Prune(ctx, s.now().Add(-time.Duration(days)*24*time.Hour))
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var (
		entry        Entry
		kind         string
		mode         sql.NullString
		state        string
		errorKind    sql.NullString
		errorMessage sql.NullString
		params       sql.NullString
		createdRaw   string
		recordedRaw  string
	)
	if err := scanner.Scan(
		&entry.ID,
		&kind,
		&entry.Path,
		&entry.Dev.Major,
		&entry.Dev.Minor,
		&mode,
		&state,
		&errorKind,
		&errorMessage,
		&entry.Instance,
		&params,
		&createdRaw,
		&recordedRaw,
	); err != nil {
		return Entry{}, err
	}
	entry.Kind = device.Kind(kind)
	entry.Mode = device.NodeMode(mode.String)
	entry.State = device.State(state)
	entry.ErrorKind = errorKind.String
	entry.ErrorMessage = errorMessage.String
	entry.CreatedAt = parseTime(createdRaw)
	entry.RecordedAt = parseTime(recordedRaw)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &entry.Params); err != nil {
			return Entry{}, fmt.Errorf("decode params: %w", err)
		}
	}
	return entry, nil
}

func parseTime(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
