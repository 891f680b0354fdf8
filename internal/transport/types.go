package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateAddedToChat UpdateKind = "added_to_chat"
	UpdateLeftChat    UpdateKind = "left_chat"
)

// ChatKind mirrors the platform chat types the bot can be subscribed from.
type ChatKind string

const (
	ChatUser    ChatKind = "user"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	// Chat is set for membership updates (bot added to / removed from a chat).
	Chat *ChatInfo
}

type Message struct {
	ID           int
	ChatID       int64
	ChatKind     ChatKind
	ChatTitle    string
	FromID       int64
	FromUsername string
	Text         string
}

type ChatInfo struct {
	ChatID int64
	Kind   ChatKind
	Title  string
}

type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Outgoing is a fully rendered notification ready for delivery.
// Rendering (markdown, escaping) happens upstream; the messenger only
// decides between a media send and a plain text send.
type Outgoing struct {
	Text     string
	MediaURL string // optional logo/image; text fallback on media failure
	Options  SendOptions
}

// Messenger is the outbound half of the chat platform.
type Messenger interface {
	Send(ctx context.Context, to ChatTarget, out Outgoing) error
}

// Listener is the inbound half: it pushes platform updates into out.
type Listener interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// ---- Delivery error taxonomy ----

type ErrClass int

const (
	ClassTransient ErrClass = iota // timeout, 5xx; destination stays active
	ClassPermanent                 // blocked/kicked/not found; destination is retired
	ClassRateLimited               // platform flood control; global backoff
)

func (c ErrClass) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// DeliveryError wraps a platform send failure with its dispatch classification.
type DeliveryError struct {
	Class      ErrClass
	RetryAfter time.Duration // set for ClassRateLimited
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delivery failed (%s)", e.Class)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Class, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Classify extracts the delivery classification from err.
// Unwrapped errors default to transient: an unknown failure must never
// retire a destination.
func Classify(err error) (ErrClass, time.Duration) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class, de.RetryAfter
	}
	return ClassTransient, 0
}
