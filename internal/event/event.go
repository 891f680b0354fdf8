// Package event holds the notification payloads produced by the discovery
// monitor and the alert evaluator. Rendering into platform markup happens
// in internal/render; delivery in internal/dispatch.
package event

import (
	"time"

	"github.com/shopspring/decimal"

	"tokenpulse/internal/ledger"
)

// Source tags where a discovery candidate came from.
type Source string

const (
	SourceLedgerStream  Source = "ledger-stream"
	SourceMetadataIndex Source = "metadata-index"
)

// Discovery is a promoted asset-launch notification. It is immutable once
// emitted: at most one Discovery per composite key is ever dispatched.
type Discovery struct {
	Asset        ledger.Asset
	Name         string
	Ticker       string
	FirstLedger  uint32
	Holders      int
	Price        decimal.Decimal
	Liquidity    decimal.Decimal
	LogoURL      string
	Source       Source
	DiscoveredAt time.Time
}

// AlertFired is emitted when a one-shot price alert crosses its target.
type AlertFired struct {
	AlertID   int64
	UserID    int64
	Asset     ledger.Asset
	Target    decimal.Decimal
	Direction string // "above" | "below"
	Price     decimal.Decimal
	FiredAt   time.Time
}

// DeliveryFailure records one failed destination within a dispatch.
type DeliveryFailure struct {
	ChatID    int64
	Class     string
	Permanent bool
	Err       string
}
