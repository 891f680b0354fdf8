// Package dispatch fans rendered notifications out across the chat registry.
//
// Delivery is deliberately sequential: the platform enforces its call budget
// per bot identity, so a single paced loop is the only shape that cannot
// trip flood control regardless of registry size. Throughput is traded for
// never losing the bot account to a ban.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tokenpulse/internal/event"
	"tokenpulse/internal/eventbus"
	"tokenpulse/internal/registry"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

// Report is the per-dispatch partial-failure accounting.
type Report struct {
	Success     int
	Failed      int
	FailedChats []int64
}

// Registry is the subset of the chat registry the dispatcher drives.
type Registry interface {
	ListActive() []registry.Subscription
	ActiveCount() int
	Unsubscribe(chatID int64)
}

type Config struct {
	// RatePerSec caps outbound sends; 10/s yields the ~100ms spacing the
	// platform budget expects. Burst stays at 1 so spacing is strict.
	RatePerSec int
	// FloodWaitMax bounds how long a server-signalled retry-after is honored.
	FloodWaitMax time.Duration
}

type Dispatcher struct {
	cfg     Config
	reg     Registry
	msgr    transport.Messenger
	limiter *rate.Limiter
	bus     eventbus.Bus
	log     logx.Logger

	// suspendedUntil implements the flood-control pause. It is dispatcher-wide:
	// the platform limit is per bot identity, so a flood signal on one
	// destination must also hold back broadcasts and single sends issued from
	// other goroutines.
	suspMu         sync.Mutex
	suspendedUntil time.Time
}

func New(cfg Config, reg Registry, msgr transport.Messenger, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	if cfg.FloodWaitMax <= 0 {
		cfg.FloodWaitMax = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:     cfg,
		reg:     reg,
		msgr:    msgr,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		bus:     bus,
		log:     log.With(logx.String("component", "dispatch")),
	}
}

// Broadcast delivers out to every active subscription in insertion order.
//
// Failure handling per destination:
//   - permanent: the subscription is retired via Unsubscribe and recorded
//   - transient: recorded, subscription stays active for the next event
//   - rate-limited: ALL sending pauses for the signalled duration (the limit
//     is per bot identity, not per chat), then the destination is retried
//     once; a second flood signal counts as transient
func (d *Dispatcher) Broadcast(ctx context.Context, out transport.Outgoing) Report {
	if d.reg.ActiveCount() == 0 {
		return Report{}
	}

	var rep Report
	start := time.Now()
	targets := d.reg.ListActive()

	for _, sub := range targets {
		if ctx.Err() != nil {
			break
		}
		err := d.sendPaced(ctx, sub.ChatID, out, true)
		if err == nil {
			rep.Success++
			continue
		}
		rep.Failed++
		rep.FailedChats = append(rep.FailedChats, sub.ChatID)
		d.recordFailure(sub.ChatID, err)
	}

	fields := []logx.Field{
		logx.Int("targets", len(targets)),
		logx.Int("ok", rep.Success),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", time.Since(start)),
	}
	if rep.Failed > 0 {
		d.log.Warn("broadcast finished with failures", fields...)
	} else {
		d.log.Info("broadcast finished", fields...)
	}
	return rep
}

// SendTo delivers to a single destination (price alerts address only their
// owner). No registry lifecycle applies: the target may not be a broadcast
// subscription at all.
func (d *Dispatcher) SendTo(ctx context.Context, chatID int64, out transport.Outgoing) error {
	return d.sendPaced(ctx, chatID, out, true)
}

func (d *Dispatcher) sendPaced(ctx context.Context, chatID int64, out transport.Outgoing, allowFloodRetry bool) error {
	if err := d.awaitSuspension(ctx); err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	err := d.msgr.Send(ctx, transport.ChatTarget{ChatID: chatID}, out)
	if err == nil {
		return nil
	}

	class, retryAfter := transport.Classify(err)
	if class != transport.ClassRateLimited || !allowFloodRetry {
		return err
	}

	wait := retryAfter
	if wait <= 0 {
		wait = time.Second
	}
	if wait > d.cfg.FloodWaitMax {
		wait = d.cfg.FloodWaitMax
	}
	d.log.Warn("flood control signalled; suspending sends", logx.Duration("retry_after", wait), logx.Int64("chat_id", chatID))

	d.suspend(wait)
	return d.sendPaced(ctx, chatID, out, false)
}

// suspend extends the shared suspension window; it never shortens one already
// in effect.
func (d *Dispatcher) suspend(wait time.Duration) {
	until := time.Now().Add(wait)
	d.suspMu.Lock()
	if until.After(d.suspendedUntil) {
		d.suspendedUntil = until
	}
	d.suspMu.Unlock()
}

// awaitSuspension blocks until any active suspension window has elapsed.
// Every send enters through here, so a flood signal from one producer holds
// back all of them.
func (d *Dispatcher) awaitSuspension(ctx context.Context) error {
	for {
		d.suspMu.Lock()
		wait := time.Until(d.suspendedUntil)
		d.suspMu.Unlock()
		if wait <= 0 {
			return nil
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
}

func (d *Dispatcher) recordFailure(chatID int64, err error) {
	class, _ := transport.Classify(err)
	permanent := class == transport.ClassPermanent
	if permanent {
		d.reg.Unsubscribe(chatID)
		d.log.Info("destination retired", logx.Int64("chat_id", chatID), logx.Err(err))
	} else {
		d.log.Warn("delivery failed", logx.Int64("chat_id", chatID), logx.String("class", class.String()), logx.Err(err))
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDeliveryFailure,
			Data: event.DeliveryFailure{ChatID: chatID, Class: class.String(), Permanent: permanent, Err: err.Error()},
		})
	}
}
