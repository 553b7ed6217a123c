package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the cold-tier tables, one per artifact class.
// Execute it via [PostgresStore.Migrate] or apply it manually during
// deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS lyrics_cache (
    fingerprint    TEXT PRIMARY KEY,
    track_id       TEXT NOT NULL,
    ref_id         TEXT NOT NULL DEFAULT '',
    payload        JSONB NOT NULL,
    provenance     TEXT NOT NULL DEFAULT 'generated',
    model_version  TEXT NOT NULL DEFAULT '',
    quality        JSONB NOT NULL DEFAULT '{}',
    negative       BOOLEAN NOT NULL DEFAULT false,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_lyrics_cache_track ON lyrics_cache(track_id);

CREATE TABLE IF NOT EXISTS word_timestamps (
    fingerprint    TEXT PRIMARY KEY,
    track_id       TEXT NOT NULL,
    ref_id         TEXT NOT NULL DEFAULT '',
    payload        JSONB NOT NULL,
    provenance     TEXT NOT NULL DEFAULT 'generated',
    model_version  TEXT NOT NULL DEFAULT '',
    quality        JSONB NOT NULL DEFAULT '{}',
    negative       BOOLEAN NOT NULL DEFAULT false,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_word_timestamps_track ON word_timestamps(track_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ColdStore is the persistent tier behind the hot map. Implementations
// return (nil, nil) for absent entries.
type ColdStore interface {
	// Upsert inserts or replaces the entry under its fingerprint.
	Upsert(ctx context.Context, e *Entry) error

	// Get returns the entry under the exact fingerprint, or nil when absent
	// or expired.
	Get(ctx context.Context, fp Fingerprint) (*Entry, error)

	// Candidates returns all live entries of the class for a track across
	// every reference video, for priority selection.
	Candidates(ctx context.Context, class Class, trackID string) ([]*Entry, error)

	// Delete removes the entry under the exact fingerprint.
	Delete(ctx context.Context, fp Fingerprint) error

	// DeleteExpired removes every expired row and reports how many.
	DeleteExpired(ctx context.Context) (int64, error)
}

// NopColdStore is a [ColdStore] that stores nothing. Used when no Postgres
// DSN is configured; the cache then runs on the hot tier alone.
type NopColdStore struct{}

var _ ColdStore = NopColdStore{}

func (NopColdStore) Upsert(context.Context, *Entry) error             { return nil }
func (NopColdStore) Get(context.Context, Fingerprint) (*Entry, error) { return nil, nil }
func (NopColdStore) Candidates(context.Context, Class, string) ([]*Entry, error) {
	return nil, nil
}
func (NopColdStore) Delete(context.Context, Fingerprint) error    { return nil }
func (NopColdStore) DeleteExpired(context.Context) (int64, error) { return 0, nil }

// PostgresStore is a [ColdStore] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ ColdStore = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore on the given connection or pool.
// The caller is responsible for calling [PostgresStore.Migrate] before
// issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the cache tables and indexes
// if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("artifact: migrate: %w", err)
	}
	return nil
}

// tableFor maps a class to its table. Returns an error for unknown classes
// so a bad class can never be interpolated into SQL.
func tableFor(class Class) (string, error) {
	switch class {
	case ClassLyrics:
		return "lyrics_cache", nil
	case ClassWordTimestamps:
		return "word_timestamps", nil
	}
	return "", fmt.Errorf("artifact: unknown class %q", class)
}

// Upsert implements ColdStore. A newer entry fully supersedes an older one
// under the same fingerprint.
func (s *PostgresStore) Upsert(ctx context.Context, e *Entry) error {
	table, err := tableFor(e.Fingerprint.Class)
	if err != nil {
		return err
	}
	qualityJSON, err := json.Marshal(emptyQuality(e.Quality))
	if err != nil {
		return fmt.Errorf("artifact: marshal quality: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			fingerprint, track_id, ref_id, payload, provenance,
			model_version, quality, negative, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (fingerprint) DO UPDATE SET
			payload = EXCLUDED.payload,
			provenance = EXCLUDED.provenance,
			model_version = EXCLUDED.model_version,
			quality = EXCLUDED.quality,
			negative = EXCLUDED.negative,
			created_at = now(),
			expires_at = EXCLUDED.expires_at
		RETURNING created_at`, table)

	err = s.db.QueryRow(ctx, query,
		e.Fingerprint.Key(), e.Fingerprint.TrackID, e.Fingerprint.RefID,
		e.Payload, string(e.Provenance), e.ModelVersion, qualityJSON,
		e.Negative, nullableTime(e.ExpiresAt),
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("artifact: upsert %q: %w", e.Fingerprint.Key(), err)
	}
	return nil
}

// Get implements ColdStore. Expired rows are treated as absent; they remain
// candidates for the next sweep.
func (s *PostgresStore) Get(ctx context.Context, fp Fingerprint) (*Entry, error) {
	table, err := tableFor(fp.Class)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT fingerprint, track_id, ref_id, payload, provenance,
		       model_version, quality, negative, created_at, expires_at
		FROM %s
		WHERE fingerprint = $1
		  AND (expires_at IS NULL OR expires_at > now())`, table)

	e, err := scanEntry(s.db.QueryRow(ctx, query, fp.Key()), fp.Class)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: get %q: %w", fp.Key(), err)
	}
	return e, nil
}

// Candidates implements ColdStore.
func (s *PostgresStore) Candidates(ctx context.Context, class Class, trackID string) ([]*Entry, error) {
	table, err := tableFor(class)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT fingerprint, track_id, ref_id, payload, provenance,
		       model_version, quality, negative, created_at, expires_at
		FROM %s
		WHERE track_id = $1
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC`, table)

	rows, err := s.db.Query(ctx, query, trackID)
	if err != nil {
		return nil, fmt.Errorf("artifact: candidates %s/%s: %w", class, trackID, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows, class)
		if err != nil {
			return nil, fmt.Errorf("artifact: candidates scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("artifact: candidates: %w", err)
	}
	return entries, nil
}

// Delete implements ColdStore. Deleting an absent entry is not an error.
func (s *PostgresStore) Delete(ctx context.Context, fp Fingerprint) error {
	table, err := tableFor(fp.Class)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, table)
	if _, err := s.db.Exec(ctx, query, fp.Key()); err != nil {
		return fmt.Errorf("artifact: delete %q: %w", fp.Key(), err)
	}
	return nil
}

// DeleteExpired implements ColdStore.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"lyrics_cache", "word_timestamps"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= now()`, table)
		tag, err := s.db.Exec(ctx, query)
		if err != nil {
			return total, fmt.Errorf("artifact: delete expired from %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// scanEntry reads one row into an Entry.
func scanEntry(row pgx.Row, class Class) (*Entry, error) {
	var (
		e           Entry
		key         string
		prov        string
		qualityJSON []byte
		expiresAt   *time.Time
	)
	err := row.Scan(&key, &e.Fingerprint.TrackID, &e.Fingerprint.RefID,
		&e.Payload, &prov, &e.ModelVersion, &qualityJSON, &e.Negative,
		&e.CreatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	e.Fingerprint.Class = class
	e.Provenance = Provenance(prov)
	if expiresAt != nil {
		e.ExpiresAt = *expiresAt
	}
	if err := json.Unmarshal(qualityJSON, &e.Quality); err != nil {
		return nil, fmt.Errorf("unmarshal quality: %w", err)
	}
	return &e, nil
}

// nullableTime converts the zero time to SQL NULL so "never expires" is a
// NULL expires_at.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// emptyQuality returns m if non-nil, otherwise an empty non-nil map. This
// ensures JSON marshalling produces "{}" instead of "null".
func emptyQuality(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
