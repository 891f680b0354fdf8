package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokenpulse/internal/dispatch"
	"tokenpulse/internal/event"
	"tokenpulse/internal/ledger"
	"tokenpulse/internal/marketdata"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

type fakeLedger struct {
	mu         sync.Mutex
	holders    map[string]int
	err        error
	queries    int
	lastEnough int
}

func (f *fakeLedger) HolderCount(ctx context.Context, asset ledger.Asset, enough int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	f.lastEnough = enough
	if f.err != nil {
		return 0, f.err
	}
	return f.holders[asset.Key()], nil
}

type fakeIndex struct {
	mu    sync.Mutex
	items []marketdata.IndexedAsset
	err   error
	calls int
}

func (f *fakeIndex) RecentAssets(ctx context.Context, since time.Time) ([]marketdata.IndexedAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	sends []transport.Outgoing
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, out transport.Outgoing) dispatch.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, out)
	return dispatch.Report{Success: 1}
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

var assetX = ledger.Asset{Issuer: "rIssuerX", Code: "XXX"}

func newTestMonitor(minHolders int) (*Monitor, *fakeLedger, *fakeIndex, *fakeBroadcaster) {
	src := &fakeLedger{holders: map[string]int{}}
	idx := &fakeIndex{}
	disp := &fakeBroadcaster{}
	m := New(Config{MinHolders: minHolders, DedupSize: 10}, src, idx, disp, nil, logx.Nop())
	return m, src, idx, disp
}

func TestBelowThresholdNotCached(t *testing.T) {
	m, src, _, disp := newTestMonitor(3)
	ctx := context.Background()

	src.holders[assetX.Key()] = 1
	m.HandleTrustLine(ctx, ledger.TrustLine{Asset: assetX, LedgerIndex: 100})
	if disp.count() != 0 {
		t.Fatal("below-threshold candidate was promoted")
	}

	// The key must be absent from dedup: a later candidate is re-evaluated.
	src.holders[assetX.Key()] = 5
	m.HandleTrustLine(ctx, ledger.TrustLine{Asset: assetX, LedgerIndex: 200})
	if disp.count() != 1 {
		t.Fatalf("broadcasts = %d, want promotion once holders grew", disp.count())
	}
}

func TestPromotionIsDeduplicated(t *testing.T) {
	m, src, _, disp := newTestMonitor(3)
	ctx := context.Background()

	src.holders[assetX.Key()] = 5
	for i := 0; i < 3; i++ {
		m.HandleTrustLine(ctx, ledger.TrustLine{Asset: assetX, LedgerIndex: uint32(100 + i)})
	}
	if disp.count() != 1 {
		t.Fatalf("broadcasts = %d, want exactly 1 for duplicate candidates", disp.count())
	}
	// Cached duplicates short-circuit before the ledger query.
	src.mu.Lock()
	queries := src.queries
	src.mu.Unlock()
	if queries != 1 {
		t.Fatalf("holder queries = %d, want 1", queries)
	}
}

func TestBothPathsShareDedup(t *testing.T) {
	m, src, idx, disp := newTestMonitor(2)
	ctx := context.Background()

	src.holders[assetX.Key()] = 4
	idx.items = []marketdata.IndexedAsset{{Asset: assetX, Name: "X Token", Ticker: "XXX"}}

	m.PollOnce(ctx)
	m.HandleTrustLine(ctx, ledger.TrustLine{Asset: assetX, LedgerIndex: 300})
	if disp.count() != 1 {
		t.Fatalf("broadcasts = %d, want 1 across both ingestion paths", disp.count())
	}
}

func TestPollFailureRetriedNextTick(t *testing.T) {
	m, src, idx, disp := newTestMonitor(2)
	ctx := context.Background()

	idx.err = errors.New("index down")
	m.PollOnce(ctx)
	if disp.count() != 0 {
		t.Fatal("broadcast despite failed poll")
	}

	idx.err = nil
	idx.items = []marketdata.IndexedAsset{{Asset: assetX}}
	src.holders[assetX.Key()] = 3
	m.PollOnce(ctx)
	if disp.count() != 1 {
		t.Fatalf("broadcasts = %d, want recovery on next tick", disp.count())
	}
}

func TestHolderQueryFailureLeavesCandidateRetryable(t *testing.T) {
	m, src, _, disp := newTestMonitor(2)
	ctx := context.Background()

	src.err = errors.New("ledger rpc down")
	m.HandleTrustLine(ctx, ledger.TrustLine{Asset: assetX})
	if disp.count() != 0 {
		t.Fatal("broadcast despite failed holder query")
	}

	src.err = nil
	src.holders[assetX.Key()] = 9
	m.HandleTrustLine(ctx, ledger.TrustLine{Asset: assetX})
	if disp.count() != 1 {
		t.Fatalf("broadcasts = %d, want promotion after rpc recovery", disp.count())
	}
}

type fakeSeenStore struct {
	mu       sync.Mutex
	recorded map[string]bool
	inserts  int
}

func (f *fakeSeenStore) HasAsset(ctx context.Context, asset ledger.Asset) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recorded[asset.Key()], nil
}

func (f *fakeSeenStore) RecordAsset(ctx context.Context, d event.Discovery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[d.Asset.Key()] = true
	f.inserts++
	return nil
}

func TestHolderQueryIsBounded(t *testing.T) {
	m, src, _, _ := newTestMonitor(3)
	src.holders[assetX.Key()] = 5
	m.HandleTrustLine(context.Background(), ledger.TrustLine{Asset: assetX})

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.lastEnough <= 0 {
		t.Fatalf("enough = %d, want a positive bound so pagination can stop early", src.lastEnough)
	}

	// A threshold above the display cap must still be reachable.
	m2, src2, _, disp2 := newTestMonitor(holderCountCap + 500)
	src2.holders[assetX.Key()] = holderCountCap + 600
	m2.HandleTrustLine(context.Background(), ledger.TrustLine{Asset: assetX})
	src2.mu.Lock()
	enough := src2.lastEnough
	src2.mu.Unlock()
	if enough < holderCountCap+500 {
		t.Fatalf("enough = %d, want at least the promotion threshold", enough)
	}
	if disp2.count() != 1 {
		t.Fatal("high-threshold candidate was not promoted")
	}
}

func TestAlreadyRecordedAssetIsSuppressed(t *testing.T) {
	m, src, _, disp := newTestMonitor(2)
	ctx := context.Background()

	store := &fakeSeenStore{recorded: map[string]bool{assetX.Key(): true}}
	m.SetStore(store)

	src.holders[assetX.Key()] = 10
	m.HandleTrustLine(ctx, ledger.TrustLine{Asset: assetX})
	if disp.count() != 0 {
		t.Fatal("already-recorded asset was broadcast again")
	}
}

func TestPromotionRecordsAsset(t *testing.T) {
	m, src, _, disp := newTestMonitor(2)
	ctx := context.Background()

	store := &fakeSeenStore{recorded: map[string]bool{}}
	m.SetStore(store)

	src.holders[assetX.Key()] = 6
	m.HandleTrustLine(ctx, ledger.TrustLine{Asset: assetX})
	if disp.count() != 1 {
		t.Fatalf("broadcasts = %d, want 1", disp.count())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.recorded[assetX.Key()] || store.inserts != 1 {
		t.Fatalf("asset not recorded exactly once: recorded=%v inserts=%d", store.recorded[assetX.Key()], store.inserts)
	}
}
