package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 10
	}
	if out.Driver == DriverSQLite {
		// one writer keeps sqlite from returning SQLITE_BUSY under WAL
		out.MaxOpenConns = 1
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// SQLStore implements core.CallStore on sqlite (modernc) or postgres (pgx stdlib).
type SQLStore struct {
	db     *sql.DB
	driver string
	notify notifier
	now    func() time.Time
}

// Open connects, configures and migrates the database.
// dsn must not be logged; it may contain secrets.
func Open(ctx context.Context, cfg Config, t core.Transport) (*SQLStore, error) {
	cfg = cfg.withDefaults()
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}

	s := New(db, cfg.Driver, t)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("module", "store").Str("driver", cfg.Driver).Msg("store ready")
	return s, nil
}

// New wraps an already opened database. Call Migrate before use.
func New(db *sql.DB, driver string, t core.Transport) *SQLStore {
	return &SQLStore{db: db, driver: driver, notify: notifier{t: t}, now: time.Now}
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, `
			PRAGMA journal_mode = WAL;
			PRAGMA busy_timeout = 5000;
		`); err != nil {
			return fmt.Errorf("configure database: %w", err)
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			id         TEXT PRIMARY KEY,
			caller_id  TEXT NOT NULL,
			callee_id  TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			ended_at   BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS calls_callee_idx ON calls (callee_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			avatar_ref   TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) CreateCall(ctx context.Context, caller, callee domain.UserID) (domain.CallRecord, error) {
	if !caller.Valid() || !callee.Valid() {
		return domain.CallRecord{}, domain.ErrUserIDInvalid
	}
	rec := domain.CallRecord{
		ID:        domain.NewCallID(),
		CallerID:  caller,
		CalleeID:  callee,
		Status:    domain.StatusInitiated,
		CreatedAt: time.UnixMilli(s.now().UnixMilli()).UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO calls (id, caller_id, callee_id, status, created_at) VALUES (?, ?, ?, ?, ?)`),
		string(rec.ID), string(rec.CallerID), string(rec.CalleeID), string(rec.Status), rec.CreatedAt.UnixMilli())
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("insert call: %w", err)
	}
	s.notify.inserted(ctx, rec)
	return rec, nil
}

func (s *SQLStore) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error {
	if !status.Valid() || status == domain.StatusInitiated {
		return fmt.Errorf("invalid status transition to %q", status)
	}
	var (
		res sql.Result
		err error
	)
	if status.Terminal() {
		end := s.now()
		if endedAt != nil {
			end = *endedAt
		}
		res, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE calls SET status = ?, ended_at = ? WHERE id = ? AND ended_at IS NULL`),
			string(status), end.UnixMilli(), string(id))
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE calls SET status = ? WHERE id = ? AND ended_at IS NULL`),
			string(status), string(id))
	}
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}

	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		if status.Terminal() {
			return nil
		}
		return core.ErrCallEnded
	}
	s.notify.updated(ctx, rec)
	return nil
}

func (s *SQLStore) GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	var (
		rec     domain.CallRecord
		created int64
		ended   sql.NullInt64
		status  string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, caller_id, callee_id, status, created_at, ended_at FROM calls WHERE id = ?`), string(id)).
		Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &status, &created, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallRecord{}, fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("get call %s: %w", id, err)
	}
	rec.Status = domain.CallStatus(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		rec.EndedAt = &t
	}
	return rec, nil
}

func (s *SQLStore) GetProfile(ctx context.Context, id domain.UserID) (domain.Profile, error) {
	p := domain.Profile{UserID: id}
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT display_name, avatar_ref FROM profiles WHERE user_id = ?`), string(id)).
		Scan(&p.DisplayName, &p.AvatarRef)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, fmt.Errorf("profile %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLStore) PutProfile(ctx context.Context, p domain.Profile) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO profiles (user_id, display_name, avatar_ref) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET display_name = excluded.display_name, avatar_ref = excluded.avatar_ref`),
		string(p.UserID), p.DisplayName, p.AvatarRef)
	if err != nil {
		return fmt.Errorf("put profile %s: %w", p.UserID, err)
	}
	return nil
}
