// Package alerts holds user-registered one-shot price watches and evaluates
// them against periodically fetched index prices.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokenpulse/internal/event"
	"tokenpulse/internal/eventbus"
	"tokenpulse/internal/ledger"
	"tokenpulse/internal/render"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

type Direction string

const (
	Above Direction = "above" // fires when price >= target
	Below Direction = "below" // fires when price <= target
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Above, Below:
		return Direction(s), nil
	}
	return "", fmt.Errorf("direction must be %q or %q", Above, Below)
}

// Alert is a one-shot price watch. Once Triggered it is terminal: it is
// never re-evaluated and never re-armed.
type Alert struct {
	ID             int64
	UserID         int64
	Asset          ledger.Asset
	Target         decimal.Decimal
	Direction      Direction
	CreatedAt      time.Time
	Triggered      bool
	TriggeredAt    time.Time
	TriggeredPrice decimal.Decimal
}

func (a Alert) matches(price decimal.Decimal) bool {
	if a.Direction == Below {
		return price.LessThanOrEqual(a.Target)
	}
	return price.GreaterThanOrEqual(a.Target)
}

// PriceSource yields the current index price for an asset.
type PriceSource interface {
	CurrentPrice(ctx context.Context, asset ledger.Asset) (decimal.Decimal, error)
}

// Dispatcher is the single-destination delivery path; a fired alert goes to
// its owner only, never to the broadcast registry.
type Dispatcher interface {
	SendTo(ctx context.Context, chatID int64, out transport.Outgoing) error
}

// Store is the optional persistence hook.
type Store interface {
	InsertAlert(ctx context.Context, a Alert) (int64, error)
	DeleteAlert(ctx context.Context, id int64) error
	MarkAlertTriggered(ctx context.Context, id int64, price decimal.Decimal, at time.Time) error
	ListAlerts(ctx context.Context) ([]Alert, error)
}

type Config struct {
	// MaxPerUser caps how many armed alerts one user may hold (0 = default).
	MaxPerUser int
}

var (
	ErrTooManyAlerts = errors.New("alert limit reached for user")
	ErrBadTarget     = errors.New("target price must be positive")
)

const defaultMaxPerUser = 25

type Evaluator struct {
	cfg    Config
	prices PriceSource
	disp   Dispatcher
	bus    eventbus.Bus
	log    logx.Logger

	mu     sync.Mutex
	armed  map[int64]*Alert // by alert id, non-triggered only
	nextID int64            // used when no store assigns ids
	store  Store
}

func New(cfg Config, prices PriceSource, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Evaluator {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = defaultMaxPerUser
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{
		cfg:    cfg,
		prices: prices,
		disp:   disp,
		bus:    bus,
		log:    log.With(logx.String("component", "alerts")),
		armed:  map[int64]*Alert{},
	}
}

func (e *Evaluator) SetStore(s Store) {
	e.mu.Lock()
	e.store = s
	e.mu.Unlock()
}

// Load re-arms persisted alerts. Triggered rows are history and stay out of
// the armed set.
func (e *Evaluator) Load(ctx context.Context) error {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()
	if store == nil {
		return nil
	}
	saved, err := store.ListAlerts(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range saved {
		a := saved[i]
		if a.Triggered {
			continue
		}
		cp := a
		e.armed[a.ID] = &cp
		if a.ID > e.nextID {
			e.nextID = a.ID
		}
		n++
	}
	e.log.Info("alerts loaded", logx.Int("armed", n))
	return nil
}

// SetAlert registers a new one-shot watch and returns its id.
func (e *Evaluator) SetAlert(ctx context.Context, userID int64, asset ledger.Asset, target decimal.Decimal, dir Direction) (int64, error) {
	if asset.IsZero() {
		return 0, errors.New("asset issuer and code are required")
	}
	if !target.IsPositive() {
		return 0, ErrBadTarget
	}
	if _, err := ParseDirection(string(dir)); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	owned := 0
	for _, a := range e.armed {
		if a.UserID == userID {
			owned++
		}
	}
	if owned >= e.cfg.MaxPerUser {
		return 0, ErrTooManyAlerts
	}

	a := Alert{
		UserID:    userID,
		Asset:     asset,
		Target:    target,
		Direction: dir,
		CreatedAt: time.Now().UTC(),
	}
	if e.store != nil {
		id, err := e.store.InsertAlert(ctx, a)
		if err != nil {
			return 0, err
		}
		a.ID = id
	} else {
		e.nextID++
		a.ID = e.nextID
	}
	if a.ID > e.nextID {
		e.nextID = a.ID
	}
	e.armed[a.ID] = &a
	e.log.Info("alert set", logx.Int64("alert_id", a.ID), logx.Int64("user_id", userID),
		logx.String("asset", asset.Key()), logx.String("dir", string(dir)), logx.String("target", target.String()))
	return a.ID, nil
}

// RemoveAlert disarms an alert. It reports false when the alert does not
// exist or belongs to another user.
func (e *Evaluator) RemoveAlert(ctx context.Context, userID, alertID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.armed[alertID]
	if !ok || a.UserID != userID {
		return false
	}
	delete(e.armed, alertID)
	if e.store != nil {
		if err := e.store.DeleteAlert(ctx, alertID); err != nil {
			e.log.Warn("persist alert removal failed", logx.Int64("alert_id", alertID), logx.Err(err))
		}
	}
	return true
}

// ListAlerts returns the user's armed alerts ordered by id.
func (e *Evaluator) ListAlerts(userID int64) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, 4)
	for _, a := range e.armed {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvaluateOnce runs one evaluation cycle: one price fetch per watched asset,
// then every armed alert on that asset is compared independently. Alerts
// crossed in the same cycle all fire; there is no coalescing.
func (e *Evaluator) EvaluateOnce(ctx context.Context) {
	byAsset := e.snapshotByAsset()
	if len(byAsset) == 0 {
		return
	}

	for key, group := range byAsset {
		if ctx.Err() != nil {
			return
		}
		price, err := e.prices.CurrentPrice(ctx, group[0].Asset)
		if err != nil {
			// Skip this asset for the cycle; the next tick retries from scratch.
			e.log.Warn("price fetch failed; skipping asset this cycle", logx.String("asset", key), logx.Err(err))
			continue
		}
		for _, a := range group {
			if a.matches(price) {
				e.fire(ctx, a, price)
			}
		}
	}
}

func (e *Evaluator) snapshotByAsset() map[string][]Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[string][]Alert{}
	for _, a := range e.armed {
		out[a.Asset.Key()] = append(out[a.Asset.Key()], *a)
	}
	for _, group := range out {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	}
	return out
}

func (e *Evaluator) fire(ctx context.Context, a Alert, price decimal.Decimal) {
	now := time.Now().UTC()

	e.mu.Lock()
	cur, ok := e.armed[a.ID]
	if !ok || cur.Triggered {
		// Already fired or removed concurrently; one-shot means exactly that.
		e.mu.Unlock()
		return
	}
	cur.Triggered = true
	cur.TriggeredAt = now
	cur.TriggeredPrice = price
	delete(e.armed, a.ID)
	store := e.store
	e.mu.Unlock()

	if store != nil {
		if err := store.MarkAlertTriggered(ctx, a.ID, price, now); err != nil {
			e.log.Warn("persist alert trigger failed", logx.Int64("alert_id", a.ID), logx.Err(err))
		}
	}

	fired := event.AlertFired{
		AlertID:   a.ID,
		UserID:    a.UserID,
		Asset:     a.Asset,
		Target:    a.Target,
		Direction: string(a.Direction),
		Price:     price,
		FiredAt:   now,
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertFired, Data: fired})
	}

	if err := e.disp.SendTo(ctx, a.UserID, render.Alert(fired)); err != nil {
		// The alert stays fired: delivery is at-most-once by design.
		e.log.Warn("alert delivery failed", logx.Int64("alert_id", a.ID), logx.Int64("user_id", a.UserID), logx.Err(err))
	}
	e.log.Info("alert fired", logx.Int64("alert_id", a.ID), logx.String("asset", a.Asset.Key()),
		logx.String("price", price.String()), logx.String("target", a.Target.String()))
}
