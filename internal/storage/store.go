// Package storage is the SQLite persistence layer. It backs the chat
// registry, the alert evaluator and the discovered-asset record, and keeps
// an append-only audit trail of pipeline occurrences.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"tokenpulse/internal/alerts"
	"tokenpulse/internal/event"
	"tokenpulse/internal/ledger"
	"tokenpulse/internal/registry"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DB is the concrete SQLite store. It satisfies the Store interfaces of
// registry, alerts and monitor.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if driver != "sqlite" && driver != "sqlite3" {
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &DB{db: db, log: log.With(logx.String("component", "storage"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertSubscription writes a registry entry. A negative position keeps the
// stored one (or appends for new rows); joined_at is never overwritten.
func (s *DB) UpsertSubscription(ctx context.Context, sub registry.Subscription, position int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(chat_id, kind, label, active, joined_at, position)
		 VALUES(?,?,?,?,?, COALESCE(NULLIF(?, -1), (SELECT COALESCE(MAX(position), -1) + 1 FROM subscriptions)))
		 ON CONFLICT(chat_id) DO UPDATE SET kind=excluded.kind, label=excluded.label, active=excluded.active`,
		sub.ChatID, string(sub.Kind), nullStr(sub.Label), boolInt(sub.Active),
		sub.JoinedAt.UTC().Format(time.RFC3339Nano), position,
	)
	return err
}

func (s *DB) SetSubscriptionActive(ctx context.Context, chatID int64, active bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = ? WHERE chat_id = ?`, boolInt(active), chatID)
	return err
}

// ListSubscriptions returns every stored entry in fan-out position order.
func (s *DB) ListSubscriptions(ctx context.Context) ([]registry.Subscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, kind, COALESCE(label, ''), active, joined_at
		 FROM subscriptions ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.Subscription
	for rows.Next() {
		var sub registry.Subscription
		var kind, joined string
		var active int
		if err := rows.Scan(&sub.ChatID, &kind, &sub.Label, &active, &joined); err != nil {
			return nil, err
		}
		sub.Kind = transport.ChatKind(kind)
		sub.Active = active != 0
		sub.JoinedAt, _ = time.Parse(time.RFC3339Nano, joined)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *DB) InsertAlert(ctx context.Context, a alerts.Alert) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(user_id, issuer, currency, target, direction, created_at)
		 VALUES(?,?,?,?,?,?)`,
		a.UserID, a.Asset.Issuer, a.Asset.Code, a.Target.String(), string(a.Direction),
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) DeleteAlert(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	return err
}

// MarkAlertTriggered flips the row into its terminal state. Triggered rows
// are kept as history rather than deleted.
func (s *DB) MarkAlertTriggered(ctx context.Context, id int64, price decimal.Decimal, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET triggered = 1, triggered_at = ?, triggered_price = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), price.String(), id)
	return err
}

func (s *DB) ListAlerts(ctx context.Context) ([]alerts.Alert, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, issuer, currency, target, direction, created_at,
		        triggered, COALESCE(triggered_at, ''), COALESCE(triggered_price, '')
		 FROM alerts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerts.Alert
	for rows.Next() {
		var a alerts.Alert
		var target, dir, created, trigAt, trigPrice string
		var triggered int
		if err := rows.Scan(&a.ID, &a.UserID, &a.Asset.Issuer, &a.Asset.Code,
			&target, &dir, &created, &triggered, &trigAt, &trigPrice); err != nil {
			return nil, err
		}
		if a.Target, err = decimal.NewFromString(target); err != nil {
			return nil, fmt.Errorf("alert %d: bad target %q: %w", a.ID, target, err)
		}
		a.Direction = alerts.Direction(dir)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		a.Triggered = triggered != 0
		if trigAt != "" {
			a.TriggeredAt, _ = time.Parse(time.RFC3339Nano, trigAt)
		}
		if trigPrice != "" {
			a.TriggeredPrice, _ = decimal.NewFromString(trigPrice)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *DB) HasAsset(ctx context.Context, asset ledger.Asset) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM assets WHERE issuer = ? AND currency = ?`,
		asset.Issuer, asset.Code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *DB) RecordAsset(ctx context.Context, d event.Discovery) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets(issuer, currency, name, ticker, holders, source, first_ledger, discovered_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(issuer, currency) DO NOTHING`,
		d.Asset.Issuer, d.Asset.Code, nullStr(d.Name), nullStr(d.Ticker),
		d.Holders, string(d.Source), d.FirstLedger,
		d.DiscoveredAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *DB) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, chat_id, subject, ok, fail, err, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.ChatID, nullStr(e.Subject),
		e.OK, e.Fail, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
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
