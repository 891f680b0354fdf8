package telegram

import (
	"errors"
	"fmt"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestStopBotRunsExactlyOnce(t *testing.T) {
	a, err := New(Config{Token: "test-token", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stops := 0
	a.stopFn = func() { stops++ }

	// Context cancellation and an explicit Stop both reach stopBot.
	a.stopBot()
	a.stopBot()
	if stops != 1 {
		t.Fatalf("bot stopped %d times, want exactly 1", stops)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want transport.ErrClass
	}{
		{"blocked", tele.ErrBlockedByUser, transport.ClassPermanent},
		{"chat not found", tele.ErrChatNotFound, transport.ClassPermanent},
		{"kicked", tele.ErrKickedFromGroup, transport.ClassPermanent},
		{"deactivated", tele.ErrUserIsDeactivated, transport.ClassPermanent},
		{"wrapped permanent", fmt.Errorf("send: %w", tele.ErrBlockedByUser), transport.ClassPermanent},
		{"network", errors.New("dial tcp: i/o timeout"), transport.ClassTransient},
		{"nil-ish unknown", errors.New(""), transport.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := classify(tt.err)
			if got != tt.want {
				t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyFloodCarriesRetryAfter(t *testing.T) {
	flood := &tele.FloodError{RetryAfter: 14}
	class, retryAfter := classify(fmt.Errorf("send: %w", flood))
	if class != transport.ClassRateLimited {
		t.Fatalf("class = %v, want rate_limited", class)
	}
	if retryAfter != 14*time.Second {
		t.Fatalf("retryAfter = %v, want 14s", retryAfter)
	}
}

func TestWrapRoundtripsThroughTaxonomy(t *testing.T) {
	err := wrap(tele.ErrBlockedByUser)
	class, _ := transport.Classify(err)
	if class != transport.ClassPermanent {
		t.Fatalf("class = %v, want permanent", class)
	}
	if !errors.Is(err, tele.ErrBlockedByUser) {
		t.Fatal("wrapped error lost its cause")
	}
}

func TestChatKind(t *testing.T) {
	if got := chatKind(tele.ChatPrivate); got != transport.ChatUser {
		t.Fatalf("private = %v", got)
	}
	if got := chatKind(tele.ChatSuperGroup); got != transport.ChatGroup {
		t.Fatalf("supergroup = %v", got)
	}
	if got := chatKind(tele.ChatChannel); got != transport.ChatChannel {
		t.Fatalf("channel = %v", got)
	}
}
