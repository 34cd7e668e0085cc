package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA secure_delete = ON`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			integrity_hash TEXT NOT NULL,
			hardware_key_id TEXT NOT NULL,
			credential_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			hardware_key_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_profile ON results(profile_id)`,
		`CREATE TABLE IF NOT EXISTS tamper_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			blob BLOB NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, rec ProfileRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO profiles (id, blob, integrity_hash, hardware_key_id, credential_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EncryptedProfile, rec.IntegrityHash, rec.HardwareKeyID, rec.CredentialHash, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: save profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*ProfileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, blob, integrity_hash, hardware_key_id, credential_hash, created_at FROM profiles WHERE id = ?`, id)
	rec, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: profile %s: %w", id, utils.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get profile: %w", err)
	}
	return rec, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanProfile(row scanner) (*ProfileRecord, error) {
	var rec ProfileRecord
	var created int64
	if err := row.Scan(&rec.ID, &rec.EncryptedProfile, &rec.IntegrityHash, &rec.HardwareKeyID, &rec.CredentialHash, &created); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]ProfileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, blob, integrity_hash, hardware_key_id, credential_hash, created_at FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	defer rows.Close()
	var out []ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list profiles: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteProfile(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "profiles", id)
}

func (s *SQLiteStore) SaveMission(ctx context.Context, rec MissionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO missions (id, profile_id, payload, hardware_key_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ProfileID, rec.Payload, rec.HardwareKeyID, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: save mission: %w", err)
	}
	return nil
}

func scanMission(row scanner) (*MissionRecord, error) {
	var rec MissionRecord
	var created int64
	if err := row.Scan(&rec.ID, &rec.ProfileID, &rec.Payload, &rec.HardwareKeyID, &created); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

func (s *SQLiteStore) GetMission(ctx context.Context, id string) (*MissionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, profile_id, payload, hardware_key_id, created_at FROM missions WHERE id = ?`, id)
	rec, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: mission %s: %w", id, utils.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get mission: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListMissions(ctx context.Context) ([]MissionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile_id, payload, hardware_key_id, created_at FROM missions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list missions: %w", err)
	}
	defer rows.Close()
	var out []MissionRecord
	for rows.Next() {
		rec, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list missions: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMission(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "missions", id)
}

func (s *SQLiteStore) deleteByID(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete from %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: %s %s: %w", table, id, utils.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, r models.TestResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (id, profile_id, data, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.ProfileID, data, r.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("store: save result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, profileID string) ([]models.TestResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM results WHERE profile_id = ? ORDER BY created_at, id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("store: list results: %w", err)
	}
	defer rows.Close()
	var out []models.TestResult
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: list results: %w", err)
		}
		var r models.TestResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("store: decode result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteResults(ctx context.Context, profileID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE profile_id = ?`, profileID)
	if err != nil {
		return 0, fmt.Errorf("store: delete results: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) AppendTamper(ctx context.Context, e TamperEntry, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append tamper: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tamper_log (id, ts, data) VALUES (?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), e.Data); err != nil {
		return fmt.Errorf("store: append tamper: %w", err)
	}
	if limit > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tamper_log WHERE seq NOT IN (SELECT seq FROM tamper_log ORDER BY seq DESC LIMIT ?)`, limit); err != nil {
			return fmt.Errorf("store: evict tamper: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTamper(ctx context.Context) ([]TamperEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, data FROM tamper_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("store: list tamper: %w", err)
	}
	defer rows.Close()
	var out []TamperEntry
	for rows.Next() {
		var e TamperEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Data); err != nil {
			return nil, fmt.Errorf("store: list tamper: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutSecret(ctx context.Context, name string, blob []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO secrets (name, blob) VALUES (?, ?)`, name, blob); err != nil {
		return fmt.Errorf("store: put secret: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM secrets WHERE name = ?`, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: secret %s: %w", name, utils.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get secret: %w", err)
	}
	return blob, nil
}

func (s *SQLiteStore) DeleteSecret(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: secret %s: %w", name, utils.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for table, dst := range map[string]*int{
		"profiles":   &c.Profiles,
		"missions":   &c.Missions,
		"results":    &c.Results,
		"tamper_log": &c.Tamper,
		"secrets":    &c.Secrets,
	} {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(dst); err != nil {
			return c, fmt.Errorf("store: count %s: %w", table, err)
		}
	}
	return c, nil
}

func (s *SQLiteStore) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: purge: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"profiles", "missions", "results", "tamper_log", "secrets"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("store: purge %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: purge: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
