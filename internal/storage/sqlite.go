package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "midibot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// auditRetention bounds the audit table; older rows are pruned lazily.
const auditRetention = 90 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, req_id, actor_id, actor_username, chat_id, thread_id, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.ReqID), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.ThreadID,
		e.Action, nullStr(e.Target), boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneAudit(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	cutoff := time.Now().Add(-auditRetention).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, cutoff)
	return err
}

// ---- aliases ----

func (s *sqliteStore) AliasExists(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.GetAlias(ctx, name)
	return ok, err
}

func (s *sqliteStore) GetAlias(ctx context.Context, name string) (string, bool, error) {
	var req string
	err := s.db.QueryRowContext(ctx, `SELECT request FROM aliases WHERE name = ?`, AliasKey(name)).Scan(&req)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return req, true, nil
}

func (s *sqliteStore) SaveAlias(ctx context.Context, name, request string) error {
	key := AliasKey(name)
	if key == "" {
		return errors.New("alias name is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO aliases(name, request, created_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO NOTHING`,
		key, request, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) DeleteAlias(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM aliases WHERE name = ?`, AliasKey(name))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListAliases(ctx context.Context) ([]Alias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, request FROM aliases ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.Name, &a.Request); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- bans ----

func (s *sqliteStore) Ban(ctx context.Context, username, by string) error {
	key := UserKey(username)
	if key == "" {
		return errors.New("username is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans(username, banned_by, at) VALUES(?,?,?)
		 ON CONFLICT(username) DO UPDATE SET banned_by=excluded.banned_by, at=excluded.at`,
		key, nullStr(by), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Unban(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE username = ?`, UserKey(username))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) IsBanned(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE username = ?`, UserKey(username)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) ListBans(ctx context.Context) ([]Ban, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, COALESCE(banned_by, ''), at FROM bans ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ban
	for rows.Next() {
		var (
			b  Ban
			at string
		)
		if err := rows.Scan(&b.Username, &b.By, &at); err != nil {
			return nil, err
		}
		b.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
