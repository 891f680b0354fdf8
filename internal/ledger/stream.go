package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tokenpulse/internal/eventbus"
	logx "tokenpulse/pkg/logx"
)

// TrustLine is a trust-relationship creation observed on the transaction
// stream: Counterparty declared willingness to hold Asset.
type TrustLine struct {
	Asset        Asset
	Counterparty string
	LedgerIndex  uint32
}

type StreamConfig struct {
	WebsocketURL     string
	ReconnectBackoff time.Duration
	ReadTimeout      time.Duration
}

// ReconnectEvent is the bus payload for eventbus.TypeStreamReconnect.
type ReconnectEvent struct {
	Err     string
	Backoff time.Duration
}

// Stream maintains a persistent subscription to the ledger transaction
// stream and emits TrustSet candidates. A dropped connection is re-dialed
// after a fixed backoff; the stream never gives up while the context lives.
type Stream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	bus    eventbus.Bus
	log    logx.Logger
}

func NewStream(cfg StreamConfig, bus eventbus.Bus, log logx.Logger) *Stream {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Stream{
		cfg:    cfg,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 15 * time.Second},
		bus:    bus,
		log:    log.With(logx.String("component", "ledger_stream")),
	}
}

// Run blocks until ctx is cancelled, pushing candidates into out.
func (s *Stream) Run(ctx context.Context, out chan<- TrustLine) {
	for {
		if err := s.runOnce(ctx, out); err != nil {
			s.log.Warn("stream dropped", logx.Err(err), logx.Duration("backoff", s.cfg.ReconnectBackoff))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{
					Type: eventbus.TypeStreamReconnect,
					Data: ReconnectEvent{Err: err.Error(), Backoff: s.cfg.ReconnectBackoff},
				})
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectBackoff):
		}
	}
}

func (s *Stream) runOnce(ctx context.Context, out chan<- TrustLine) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.WebsocketURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Tear the read loop down promptly on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sub := map[string]any{
		"command": "subscribe",
		"streams": []string{"transactions"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	s.log.Info("subscribed to transaction stream", logx.String("url", s.cfg.WebsocketURL))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		tl, ok := parseTrustSet(raw)
		if !ok {
			continue
		}
		select {
		case out <- tl:
		case <-ctx.Done():
			return nil
		}
	}
}

// streamMsg is the envelope for validated transaction events.
type streamMsg struct {
	Type        string `json:"type"`
	Validated   bool   `json:"validated"`
	LedgerIndex uint32 `json:"ledger_index"`
	Transaction struct {
		TransactionType string `json:"TransactionType"`
		Account         string `json:"Account"`
		LimitAmount     struct {
			Currency string `json:"currency"`
			Issuer   string `json:"issuer"`
			Value    string `json:"value"`
		} `json:"LimitAmount"`
	} `json:"transaction"`
}

// parseTrustSet extracts a trust-line candidate from a raw stream message.
// Non-transaction messages, unvalidated events and other transaction types
// all return ok=false.
func parseTrustSet(raw []byte) (TrustLine, bool) {
	var msg streamMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return TrustLine{}, false
	}
	if msg.Type != "transaction" || !msg.Validated {
		return TrustLine{}, false
	}
	if msg.Transaction.TransactionType != "TrustSet" {
		return TrustLine{}, false
	}
	la := msg.Transaction.LimitAmount
	if la.Issuer == "" || la.Currency == "" || la.Currency == "XRP" {
		return TrustLine{}, false
	}
	return TrustLine{
		Asset:        Asset{Issuer: la.Issuer, Code: la.Currency},
		Counterparty: msg.Transaction.Account,
		LedgerIndex:  msg.LedgerIndex,
	}, true
}
