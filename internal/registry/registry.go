package registry

import (
	"context"
	"sync"
	"time"

	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

// Subscription is a broadcast destination and its lifecycle state.
//
// Entries are never removed: a destination that stops being deliverable is
// flipped inactive and keeps its slot, so re-subscribing later does not churn
// the fan-out order and delivery history stays attributable.
type Subscription struct {
	ChatID   int64
	Kind     transport.ChatKind
	Label    string
	Active   bool
	JoinedAt time.Time
}

// Registry holds every destination the bot has ever talked to.
// All operations are total: there is no failure mode beyond the mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*Subscription
	order   []int64 // insertion order, drives fan-out iteration

	store Store
	log   logx.Logger
}

// Store is the optional write-through persistence hook.
type Store interface {
	UpsertSubscription(ctx context.Context, sub Subscription, position int) error
	SetSubscriptionActive(ctx context.Context, chatID int64, active bool) error
}

// persistTimeout bounds write-through store calls so a wedged disk cannot
// stall registry mutation under the lock indefinitely.
const persistTimeout = 5 * time.Second

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		entries: map[int64]*Subscription{},
		log:     log.With(logx.String("component", "registry")),
	}
}

// SetStore installs write-through persistence. Call before Load/Subscribe.
func (r *Registry) SetStore(s Store) {
	r.mu.Lock()
	r.store = s
	r.mu.Unlock()
}

// Load seeds the registry from persisted entries, preserving their order.
// It does not write back to the store.
func (r *Registry) Load(subs []Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range subs {
		sub := subs[i]
		if _, ok := r.entries[sub.ChatID]; ok {
			continue
		}
		cp := sub
		r.entries[sub.ChatID] = &cp
		r.order = append(r.order, sub.ChatID)
	}
	r.log.Info("registry loaded", logx.Int("entries", len(r.order)))
}

// Subscribe inserts a new active entry, or reactivates an existing one and
// refreshes its kind/label. Idempotent.
func (r *Registry) Subscribe(chatID int64, kind transport.ChatKind, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.entries[chatID]; ok {
		wasActive := sub.Active
		sub.Active = true
		sub.Kind = kind
		sub.Label = label
		r.persistLocked(sub)
		if !wasActive {
			r.log.Info("subscription reactivated", logx.Int64("chat_id", chatID), logx.String("kind", string(kind)))
		}
		return
	}

	sub := &Subscription{
		ChatID:   chatID,
		Kind:     kind,
		Label:    label,
		Active:   true,
		JoinedAt: time.Now().UTC(),
	}
	r.entries[chatID] = sub
	r.order = append(r.order, chatID)
	r.persistLocked(sub)
	r.log.Info("subscription added", logx.Int64("chat_id", chatID), logx.String("kind", string(kind)), logx.String("label", label))
}

// Unsubscribe marks the entry inactive. Unknown destinations are a no-op.
func (r *Registry) Unsubscribe(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.entries[chatID]
	if !ok || !sub.Active {
		return
	}
	sub.Active = false
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := r.store.SetSubscriptionActive(ctx, chatID, false); err != nil {
			r.log.Warn("persist unsubscribe failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
		cancel()
	}
	r.log.Info("subscription deactivated", logx.Int64("chat_id", chatID))
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.entries {
		if sub.Active {
			n++
		}
	}
	return n
}

// ListActive returns the active subscriptions in insertion order.
// The result is a copy; callers may iterate without holding any lock.
func (r *Registry) ListActive() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		if sub := r.entries[id]; sub != nil && sub.Active {
			out = append(out, *sub)
		}
	}
	return out
}

// Get returns a copy of the entry, if present.
func (r *Registry) Get(chatID int64) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.entries[chatID]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

func (r *Registry) persistLocked(sub *Subscription) {
	if r.store == nil {
		return
	}
	pos := -1
	for i, id := range r.order {
		if id == sub.ChatID {
			pos = i
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.UpsertSubscription(ctx, *sub, pos); err != nil {
		r.log.Warn("persist subscription failed", logx.Int64("chat_id", sub.ChatID), logx.Err(err))
	}
}
