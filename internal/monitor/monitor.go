// Package monitor discovers newly launched assets from two ingestion paths
// (the ledger transaction stream and the metadata index poll), deduplicates
// them, applies the minimum-holder threshold and promotes survivors into
// broadcast notifications.
package monitor

import (
	"context"
	"sync"
	"time"

	"tokenpulse/internal/dedup"
	"tokenpulse/internal/dispatch"
	"tokenpulse/internal/event"
	"tokenpulse/internal/eventbus"
	"tokenpulse/internal/ledger"
	"tokenpulse/internal/marketdata"
	"tokenpulse/internal/render"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

// LedgerSource answers holder-count queries.
type LedgerSource interface {
	HolderCount(ctx context.Context, asset ledger.Asset, enough int) (int, error)
}

// Index lists recently indexed assets.
type Index interface {
	RecentAssets(ctx context.Context, since time.Time) ([]marketdata.IndexedAsset, error)
}

// Broadcaster fans a promoted discovery out to the registry.
type Broadcaster interface {
	Broadcast(ctx context.Context, out transport.Outgoing) dispatch.Report
}

// SeenStore is the persistent "have we already recorded this asset" check
// consulted at promotion time. It is distinct from the in-memory dedup
// cache: the cache bounds repeat work, the store feeds the vetting workflow.
type SeenStore interface {
	HasAsset(ctx context.Context, asset ledger.Asset) (bool, error)
	RecordAsset(ctx context.Context, d event.Discovery) error
}

type Config struct {
	// MinHolders is the promotion threshold: candidates with fewer distinct
	// holders are discarded but deliberately NOT cached, so a slow-starting
	// asset is re-evaluated as its holder count grows.
	MinHolders int
	// DedupSize bounds the in-memory dedup cache.
	DedupSize int
	// PollOverlap widens each index poll window backwards so a listing that
	// lands exactly on a tick boundary is not missed.
	PollOverlap time.Duration
}

const (
	defaultMinHolders  = 3
	defaultPollOverlap = 5 * time.Minute
	// holderCountCap stops account_lines pagination once the count is large
	// enough to display; past it the exact figure stops being informative and
	// each extra page is another RPC round trip.
	holderCountCap = 2000
)

type Monitor struct {
	cfg    Config
	ledger LedgerSource
	index  Index
	disp   Broadcaster
	cache  *dedup.Cache
	bus    eventbus.Bus
	log    logx.Logger

	mu       sync.Mutex
	store    SeenStore
	lastPoll time.Time
}

func New(cfg Config, src LedgerSource, index Index, disp Broadcaster, bus eventbus.Bus, log logx.Logger) *Monitor {
	if cfg.MinHolders <= 0 {
		cfg.MinHolders = defaultMinHolders
	}
	if cfg.PollOverlap <= 0 {
		cfg.PollOverlap = defaultPollOverlap
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:    cfg,
		ledger: src,
		index:  index,
		disp:   disp,
		cache:  dedup.New(cfg.DedupSize),
		bus:    bus,
		log:    log.With(logx.String("component", "monitor")),
	}
}

func (m *Monitor) SetStore(s SeenStore) {
	m.mu.Lock()
	m.store = s
	m.mu.Unlock()
}

// ConsumeStream drains trust-line candidates until ctx is cancelled.
// Run it against a channel fed by ledger.Stream.Run.
func (m *Monitor) ConsumeStream(ctx context.Context, in <-chan ledger.TrustLine) {
	for {
		select {
		case <-ctx.Done():
			return
		case tl, ok := <-in:
			if !ok {
				return
			}
			m.HandleTrustLine(ctx, tl)
		}
	}
}

// HandleTrustLine processes one streaming-path candidate.
func (m *Monitor) HandleTrustLine(ctx context.Context, tl ledger.TrustLine) {
	if tl.Asset.IsZero() {
		return
	}
	m.evaluate(ctx, event.Discovery{
		Asset:       tl.Asset,
		FirstLedger: tl.LedgerIndex,
		Source:      event.SourceLedgerStream,
	})
}

// PollOnce runs one metadata-index cycle. A request failure abandons the
// cycle; the next scheduled tick is a complete independent attempt.
func (m *Monitor) PollOnce(ctx context.Context) {
	m.mu.Lock()
	since := m.lastPoll
	m.mu.Unlock()
	if !since.IsZero() {
		since = since.Add(-m.cfg.PollOverlap)
	}

	started := time.Now()
	items, err := m.index.RecentAssets(ctx, since)
	if err != nil {
		m.log.Warn("index poll failed; retrying next tick", logx.Err(err))
		return
	}

	m.mu.Lock()
	m.lastPoll = started
	m.mu.Unlock()

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		m.evaluate(ctx, event.Discovery{
			Asset:     item.Asset,
			Name:      item.Name,
			Ticker:    item.Ticker,
			Price:     item.Price,
			Liquidity: item.Liquidity,
			Holders:   item.Holders,
			LogoURL:   item.LogoURL,
			Source:    event.SourceMetadataIndex,
		})
	}
}

// evaluate runs the shared candidate pipeline: dedup check, holder
// threshold, promotion, broadcast.
func (m *Monitor) evaluate(ctx context.Context, d event.Discovery) {
	key := d.Asset.Key()
	if m.cache.Seen(key) {
		return
	}

	enough := holderCountCap
	if m.cfg.MinHolders > enough {
		enough = m.cfg.MinHolders
	}
	count, err := m.ledger.HolderCount(ctx, d.Asset, enough)
	if err != nil {
		// Leave the candidate uncached: the next occurrence retries.
		m.log.Warn("holder count query failed", logx.String("asset", key), logx.Err(err))
		return
	}
	if count < m.cfg.MinHolders {
		// Below threshold: discard WITHOUT caching so a growing asset can
		// still be promoted by a later candidate.
		m.log.Debug("candidate below holder threshold", logx.String("asset", key),
			logx.Int("holders", count), logx.Int("min", m.cfg.MinHolders))
		return
	}

	m.cache.Add(key)
	d.Holders = count
	d.DiscoveredAt = time.Now().UTC()

	if !m.recordOnce(ctx, &d) {
		return
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeDiscoveryPromoted, Data: d})
	}
	rep := m.disp.Broadcast(ctx, render.Launch(d))
	m.log.Info("discovery promoted", logx.String("asset", key), logx.String("source", string(d.Source)),
		logx.Int("holders", count), logx.Int("delivered", rep.Success), logx.Int("failed", rep.Failed))
}

// recordOnce consults the persistent existence check and records the asset.
// It reports false when the asset was already recorded by an earlier run.
// Store errors fail open: a broken store must not silence discoveries.
func (m *Monitor) recordOnce(ctx context.Context, d *event.Discovery) bool {
	m.mu.Lock()
	store := m.store
	m.mu.Unlock()
	if store == nil {
		return true
	}
	seen, err := store.HasAsset(ctx, d.Asset)
	if err != nil {
		m.log.Warn("recorded-asset lookup failed", logx.String("asset", d.Asset.Key()), logx.Err(err))
		return true
	}
	if seen {
		m.log.Debug("asset already recorded; suppressing broadcast", logx.String("asset", d.Asset.Key()))
		return false
	}
	if err := store.RecordAsset(ctx, *d); err != nil {
		m.log.Warn("recording asset failed", logx.String("asset", d.Asset.Key()), logx.Err(err))
	}
	return true
}
