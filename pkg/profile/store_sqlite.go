package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent profile storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the profile database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create profile db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process profile service. Use one shared connection to avoid
	// writer lock contention with SQLite under concurrent goroutines;
	// this also makes every UpdateProfile a serialized read-modify-write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			legacy_ref TEXT NOT NULL DEFAULT '',
			platform_accounts TEXT NOT NULL DEFAULT '{}',
			sobriquets_by_group TEXT NOT NULL DEFAULT '{}',
			identity TEXT NOT NULL DEFAULT '{}',
			personality TEXT NOT NULL DEFAULT '{}',
			impression TEXT NOT NULL DEFAULT '[]',
			relationship_metrics TEXT NOT NULL DEFAULT '{}',
			revision INTEGER NOT NULL DEFAULT 1,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS account_links (
			platform TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (platform, platform_user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS account_links_profile_idx ON account_links(profile_id);`,
		`CREATE TABLE IF NOT EXISTS profile_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init profile schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// dimensionColumns maps dimension names to their JSON columns. Only
// these columns are selectable by a projected read.
var dimensionColumns = map[string]struct{}{
	DimAccounts:     {},
	DimSobriquets:   {},
	DimIdentity:     {},
	DimPersonality:  {},
	DimImpression:   {},
	DimRelationship: {},
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string, fields ...string) (Profile, error) {
	selected := fields
	if len(selected) == 0 {
		selected = AllDimensions
	}
	cols := "id, legacy_ref, revision, tombstoned, created_at_ms, updated_at_ms"
	want := make([]string, 0, len(selected))
	for _, f := range selected {
		if _, ok := dimensionColumns[f]; !ok {
			continue
		}
		want = append(want, f)
		cols += ", " + f
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+cols+` FROM profiles WHERE id = ?`, id)

	var p Profile
	var tombstoned int
	dest := []any{&p.ID, &p.LegacyRef, &p.Revision, &tombstoned, &p.CreatedAtMS, &p.UpdatedAtMS}
	raws := make([]string, len(want))
	for i := range raws {
		dest = append(dest, &raws[i])
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, storageErr("get profile", err)
	}
	p.Tombstoned = tombstoned != 0
	if p.Tombstoned {
		return Profile{}, ErrNotFound
	}

	for i, f := range want {
		if err := decodeDimension(&p, f, raws[i]); err != nil {
			return Profile{}, storageErr("decode profile field "+f, err)
		}
	}
	p.normalize()
	return p, nil
}

func decodeDimension(p *Profile, field, raw string) error {
	if raw == "" {
		return nil
	}
	switch field {
	case DimAccounts:
		return json.Unmarshal([]byte(raw), &p.PlatformAccounts)
	case DimSobriquets:
		return json.Unmarshal([]byte(raw), &p.SobriquetsByGroup)
	case DimIdentity:
		return json.Unmarshal([]byte(raw), &p.Identity)
	case DimPersonality:
		return json.Unmarshal([]byte(raw), &p.Personality)
	case DimImpression:
		return json.Unmarshal([]byte(raw), &p.Impression)
	case DimRelationship:
		return json.Unmarshal([]byte(raw), &p.RelationshipMetrics)
	}
	return nil
}

func (s *SQLiteStore) CreateProfileIfAbsent(ctx context.Context, p Profile) (bool, error) {
	p.normalize()
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO profiles(
	id, legacy_ref, platform_accounts, sobriquets_by_group, identity,
	personality, impression, relationship_metrics, revision, tombstoned,
	created_at_ms, updated_at_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ID, p.LegacyRef,
		encodeJSON(p.PlatformAccounts), encodeJSON(p.SobriquetsByGroup),
		encodeJSON(p.Identity), encodeJSON(p.Personality),
		encodeJSON(p.Impression), encodeJSON(p.RelationshipMetrics),
		p.Revision, p.CreatedAtMS, p.UpdatedAtMS)
	if err != nil {
		return false, storageErr("create profile", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("create profile", err)
	}
	return n > 0, nil
}

const updateProfileRetries = 3

// UpdateProfile applies mutate to a fresh copy of the document and writes
// it back guarded by the revision counter. With the single shared
// connection the compare-and-set always lands on the first attempt; the
// retry loop covers multi-connection deployments.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, id string, mutate func(*Profile) error) (Profile, error) {
	var lastErr error
	for attempt := 0; attempt < updateProfileRetries; attempt++ {
		p, err := s.GetProfile(ctx, id, AllDimensions...)
		if err != nil {
			return Profile{}, err
		}

		next := p.clone()
		if err := mutate(&next); err != nil {
			return Profile{}, err
		}
		oldRevision := p.Revision
		next.Revision = oldRevision + 1
		next.UpdatedAtMS = nowMS()

		res, err := s.db.ExecContext(ctx, `
UPDATE profiles SET
	legacy_ref = ?, platform_accounts = ?, sobriquets_by_group = ?,
	identity = ?, personality = ?, impression = ?, relationship_metrics = ?,
	revision = ?, updated_at_ms = ?
WHERE id = ? AND revision = ? AND tombstoned = 0`,
			next.LegacyRef,
			encodeJSON(next.PlatformAccounts), encodeJSON(next.SobriquetsByGroup),
			encodeJSON(next.Identity), encodeJSON(next.Personality),
			encodeJSON(next.Impression), encodeJSON(next.RelationshipMetrics),
			next.Revision, next.UpdatedAtMS, id, oldRevision)
		if err != nil {
			return Profile{}, storageErr("update profile", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Profile{}, storageErr("update profile", err)
		}
		if n > 0 {
			return next, nil
		}
		lastErr = ErrConflict
	}
	return Profile{}, fmt.Errorf("update profile %s: revision races exhausted: %w", id, lastErr)
}

func (s *SQLiteStore) TombstoneProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE profiles SET tombstoned = 1, updated_at_ms = ? WHERE id = ?`, nowMS(), id)
	if err != nil {
		return storageErr("tombstone profile", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("tombstone profile", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListProfileIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM profiles WHERE tombstoned = 0 ORDER BY created_at_ms`)
	if err != nil {
		return nil, storageErr("list profiles", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("list profiles", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list profiles", err)
	}
	return ids, nil
}

func (s *SQLiteStore) LookupAccount(ctx context.Context, platform, platformUserID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT profile_id FROM account_links WHERE platform = ? AND platform_user_id = ?`,
		platform, platformUserID)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storageErr("lookup account", err)
	}
	return id, true, nil
}

// LinkAccountIfAbsent is the atomic create-if-absent on the account-link
// index. The primary key makes the conditional insert race-safe: exactly
// one concurrent caller wins, losers observe inserted=false and re-read.
func (s *SQLiteStore) LinkAccountIfAbsent(ctx context.Context, platform, platformUserID, profileID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO account_links(platform, platform_user_id, profile_id, created_at_ms)
VALUES(?, ?, ?, ?)`, platform, platformUserID, profileID, nowMS())
	if err != nil {
		return false, storageErr("link account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("link account", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReassignAccounts(ctx context.Context, fromProfileID, toProfileID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE account_links SET profile_id = ? WHERE profile_id = ?`, toProfileID, fromProfileID)
	if err != nil {
		return storageErr("reassign accounts", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO profile_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeJSON(labels), nowMS())
	if err != nil {
		return storageErr("add metric", err)
	}
	return nil
}

// PruneMetrics drops metric rows older than the retention window. Used
// by the periodic sweep.
func (s *SQLiteStore) PruneMetrics(ctx context.Context, olderThanMS int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profile_metrics WHERE created_at_ms < ?`, olderThanMS)
	if err != nil {
		return storageErr("prune metrics", err)
	}
	return nil
}
