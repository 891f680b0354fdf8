// Package telegram adapts telebot to the transport contracts: the inbound
// update listener and the outbound messenger with delivery classification.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the initial getMe handshake; integration tests use it.
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	// telebot's Stop is not reentrant; both shutdown paths (context
	// cancellation and an explicit Stop call) funnel through stopOnce.
	stopOnce sync.Once
	stopFn   func()

	// droppedUpdates counts inbound updates dropped because the consumer was
	// slower than the poll loop; summarized periodically instead of per-update.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("component", "telegram")), bot: b}
	a.stopFn = b.Stop
	return a, nil
}

func (a *Adapter) stopBot() {
	a.stopOnce.Do(a.stopFn)
}

// Start wires telebot handlers and begins long polling. Updates are pushed
// into out non-blocking; overflow is counted and summarized.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	}()

	push := func(up transport.Update) {
		select {
		case out <- up:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
	}

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		push(transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ChatKind:     chatKind(m.Chat.Type),
				ChatTitle:    chatTitle(m.Chat),
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}
		push(transport.Update{
			Kind: transport.UpdateAddedToChat,
			Chat: &transport.ChatInfo{ChatID: chat.ID, Kind: chatKind(chat.Type), Title: chatTitle(chat)},
		})
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.stopBot()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop
	}()

	return nil
}

// Stop halts polling. Shutdown stays snappy even while a getUpdates
// long-poll is in flight.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.stopBot()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// Send delivers one notification. A media send that fails for a non-delivery
// reason (bad image, unsupported format) falls back to plain text so the
// alert itself is never lost to a broken logo URL.
func (a *Adapter) Send(ctx context.Context, to transport.ChatTarget, out transport.Outgoing) error {
	chat := &tele.Chat{ID: to.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             out.Options.ParseMode,
		DisableWebPagePreview: out.Options.DisablePreview,
	}

	if out.MediaURL != "" {
		photo := &tele.Photo{File: tele.FromURL(out.MediaURL), Caption: out.Text}
		if _, err := a.bot.Send(chat, photo, opts); err == nil {
			return nil
		} else if class, _ := classify(err); class != transport.ClassTransient {
			return wrap(err)
		}
		// Transient photo failure: retry as text below.
	}

	if _, err := a.bot.Send(chat, out.Text, opts); err != nil {
		return wrap(err)
	}
	return nil
}

func wrap(err error) error {
	class, retryAfter := classify(err)
	return &transport.DeliveryError{Class: class, RetryAfter: retryAfter, Err: err}
}

// classify maps telebot errors onto the delivery taxonomy. Anything not
// positively identified stays transient so an unknown failure never retires
// a destination.
func classify(err error) (transport.ErrClass, time.Duration) {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return transport.ClassRateLimited, time.Duration(flood.RetryAfter) * time.Second
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return transport.ClassPermanent, 0
	}
	return transport.ClassTransient, 0
}

func chatKind(t tele.ChatType) transport.ChatKind {
	switch t {
	case tele.ChatPrivate:
		return transport.ChatUser
	case tele.ChatChannel, tele.ChatChannelPrivate:
		return transport.ChatChannel
	default:
		return transport.ChatGroup
	}
}

func chatTitle(c *tele.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	return strings.TrimSpace(strings.TrimSpace(c.FirstName + " " + c.LastName))
}
