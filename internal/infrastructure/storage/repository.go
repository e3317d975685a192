package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/ports"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

// Repository persists alerts, source registry entries and run logs over database/sql.
type Repository struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var (
	_ ports.AlertRepository = (*Repository)(nil)
	_ ports.SourceRegistry  = (*Repository)(nil)
	_ ports.RunLog          = (*Repository)(nil)
)

// Open connects to the configured driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverPgx, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Single writer; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// NewRepository wires a sql.DB; the driver name selects the placeholder format.
func NewRepository(db *sql.DB, driver string) *Repository {
	var format sq.PlaceholderFormat = sq.Dollar
	if driver == DriverSQLite {
		format = sq.Question
	}
	return &Repository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(format),
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		processing_state TEXT NOT NULL,
		enrichment_version INTEGER NOT NULL DEFAULT 0,
		is_processed INTEGER NOT NULL DEFAULT 0,
		published_at BIGINT NOT NULL DEFAULT 0,
		fetched_at BIGINT NOT NULL DEFAULT 0,
		has_cvss INTEGER NOT NULL DEFAULT 0,
		has_epss INTEGER NOT NULL DEFAULT 0,
		has_summary INTEGER NOT NULL DEFAULT 0,
		cve_count INTEGER NOT NULL DEFAULT 0,
		document TEXT NOT NULL,
		PRIMARY KEY (source_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alerts_source_hash ON alerts (source_id, content_hash)`,
	`CREATE INDEX IF NOT EXISTS alerts_fetched ON alerts (fetched_at)`,
	`CREATE TABLE IF NOT EXISTS source_registry (
		source_id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		document TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS source_registry_category ON source_registry (category)`,
	`CREATE TABLE IF NOT EXISTS run_log (
		run_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at BIGINT NOT NULL,
		status TEXT NOT NULL,
		document TEXT NOT NULL
	)`,
}

// Init creates the schema when missing.
func (r *Repository) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// ExistsByHash checks the source partition for a fingerprint.
func (r *Repository) ExistsByHash(ctx context.Context, sourceID, contentHash string) (bool, error) {
	query, args, err := r.sb.Select("1").
		From("alerts").
		Where(sq.Eq{"source_id": sourceID, "content_hash": contentHash}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}

	var one int
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query fingerprint: %w", err)
	}
	return true, nil
}

// Insert adds a new alert; a conflicting fingerprint yields (false, nil).
func (r *Repository) Insert(ctx context.Context, alert domain.Alert) (bool, error) {
	cols, err := alertColumns(alert)
	if err != nil {
		return false, err
	}

	query, args, err := r.sb.Insert("alerts").
		SetMap(cols).
		Suffix("ON CONFLICT (source_id, content_hash) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert alert %s: %w", alert.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Get loads one alert by its composite key.
func (r *Repository) Get(ctx context.Context, key domain.AlertKey) (domain.Alert, error) {
	query, args, err := r.sb.Select("document").
		From("alerts").
		Where(sq.Eq{"source_id": key.SourceID, "id": key.ID}).
		ToSql()
	if err != nil {
		return domain.Alert{}, fmt.Errorf("build get: %w", err)
	}

	var doc string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.Alert{}, fmt.Errorf("alert %s: %w", key, ports.ErrNotFound)
	case err != nil:
		return domain.Alert{}, fmt.Errorf("get alert %s: %w", key, err)
	}
	return decodeAlert(doc)
}

// Update overwrites the stored alert document.
func (r *Repository) Update(ctx context.Context, alert domain.Alert) error {
	cols, err := alertColumns(alert)
	if err != nil {
		return err
	}
	delete(cols, "id")
	delete(cols, "source_id")

	query, args, err := r.sb.Update("alerts").
		SetMap(cols).
		Where(sq.Eq{"source_id": alert.SourceID, "id": alert.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", alert.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("alert %s: %w", alert.Key(), ports.ErrNotFound)
	}
	return nil
}

// Query lists alerts matching the filter.
func (r *Repository) Query(ctx context.Context, q ports.AlertQuery) ([]domain.Alert, error) {
	b := r.sb.Select("document").From("alerts")

	if q.SourceID != "" {
		b = b.Where(sq.Eq{"source_id": q.SourceID})
	}
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, s := range q.States {
			states[i] = string(s)
		}
		b = b.Where(sq.Eq{"processing_state": states})
	}
	if q.MissingCVSS {
		b = b.Where(sq.Eq{"has_cvss": 0})
	}
	if q.MissingEPSS {
		b = b.Where(sq.Eq{"has_epss": 0})
	}
	if q.MissingSummary {
		b = b.Where(sq.Eq{"has_summary": 0})
	}
	if q.RequireCVEs {
		b = b.Where(sq.Gt{"cve_count": 0})
	}
	if !q.FetchedSince.IsZero() {
		b = b.Where(sq.GtOrEq{"fetched_at": q.FetchedSince.UnixMilli()})
	}
	if q.BelowVersion > 0 {
		b = b.Where(sq.Lt{"enrichment_version": q.BelowVersion})
	}
	if q.OldestFirst {
		b = b.OrderBy("published_at ASC", "fetched_at ASC", "id ASC")
	} else {
		b = b.OrderBy("fetched_at DESC", "id ASC")
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}

	var alerts []domain.Alert
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alert, err := decodeAlert(doc)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}
	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}
	return alerts, nil
}

// GetSource loads the registry entry of one source.
func (r *Repository) GetSource(ctx context.Context, sourceID string) (domain.SourceState, error) {
	query, args, err := r.sb.Select("document").
		From("source_registry").
		Where(sq.Eq{"source_id": sourceID}).
		ToSql()
	if err != nil {
		return domain.SourceState{}, fmt.Errorf("build source query: %w", err)
	}

	var doc string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.SourceState{}, fmt.Errorf("source %s: %w", sourceID, ports.ErrNotFound)
	case err != nil:
		return domain.SourceState{}, fmt.Errorf("get source %s: %w", sourceID, err)
	}

	var state domain.SourceState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return domain.SourceState{}, fmt.Errorf("decode source %s: %w", sourceID, err)
	}
	return state, nil
}

// UpsertSource writes the registry entry of one source.
func (r *Repository) UpsertSource(ctx context.Context, state domain.SourceState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode source %s: %w", state.SourceID, err)
	}

	query, args, err := r.sb.Insert("source_registry").
		Columns("source_id", "category", "document").
		Values(state.SourceID, state.Category, string(doc)).
		Suffix("ON CONFLICT (source_id) DO UPDATE SET category = excluded.category, document = excluded.document").
		ToSql()
	if err != nil {
		return fmt.Errorf("build source upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert source %s: %w", state.SourceID, err)
	}
	return nil
}

// AppendRun stores one run-log entry.
func (r *Repository) AppendRun(ctx context.Context, entry domain.RunLogEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", entry.RunID, err)
	}

	query, args, err := r.sb.Insert("run_log").
		Columns("run_id", "kind", "started_at", "status", "document").
		Values(entry.RunID, string(entry.Kind), entry.StartedAt.UnixMilli(), string(entry.Status), string(doc)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build run insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append run %s: %w", entry.RunID, err)
	}
	return nil
}

// RecentRuns returns the newest run-log entries first.
func (r *Repository) RecentRuns(ctx context.Context, limit int) ([]domain.RunLogEntry, error) {
	b := r.sb.Select("document").From("run_log").OrderBy("started_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build runs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var entries []domain.RunLogEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var entry domain.RunLogEntry
		if err := json.Unmarshal([]byte(doc), &entry); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return entries, nil
}

func alertColumns(alert domain.Alert) (map[string]any, error) {
	doc, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("encode alert %s: %w", alert.Key(), err)
	}
	return map[string]any{
		"id":                 alert.ID,
		"source_id":          alert.SourceID,
		"content_hash":       alert.ContentHash,
		"processing_state":   string(alert.ProcessingState),
		"enrichment_version": alert.EnrichmentVersion,
		"is_processed":       flag(alert.IsProcessed),
		"published_at":       millis(alert.PublishedAt),
		"fetched_at":         millis(alert.FetchedAt),
		"has_cvss":           flag(alert.HasCVSS()),
		"has_epss":           flag(alert.HasEPSS()),
		"has_summary":        flag(alert.Summary != ""),
		"cve_count":          len(alert.CVEIDs),
		"document":           string(doc),
	}, nil
}

func decodeAlert(doc string) (domain.Alert, error) {
	var alert domain.Alert
	if err := json.Unmarshal([]byte(doc), &alert); err != nil {
		return domain.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	return alert, nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
