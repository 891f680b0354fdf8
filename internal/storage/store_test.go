package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokenpulse/internal/alerts"
	"tokenpulse/internal/event"
	"tokenpulse/internal/ledger"
	"tokenpulse/internal/registry"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tokenpulse.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenDisabled(t *testing.T) {
	db, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || db != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", db, err)
	}
}

func TestSubscriptionRoundtrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	subs := []registry.Subscription{
		{ChatID: 10, Kind: transport.ChatUser, Label: "alice", Active: true, JoinedAt: time.Now()},
		{ChatID: -20, Kind: transport.ChatGroup, Label: "launchpad", Active: true, JoinedAt: time.Now()},
		{ChatID: 30, Kind: transport.ChatUser, Label: "bob", Active: true, JoinedAt: time.Now()},
	}
	for i, sub := range subs {
		if err := db.UpsertSubscription(ctx, sub, i); err != nil {
			t.Fatalf("UpsertSubscription: %v", err)
		}
	}
	if err := db.SetSubscriptionActive(ctx, -20, false); err != nil {
		t.Fatalf("SetSubscriptionActive: %v", err)
	}

	got, err := db.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int64{10, -20, 30} {
		if got[i].ChatID != want {
			t.Fatalf("order[%d] = %d, want %d", i, got[i].ChatID, want)
		}
	}
	if got[1].Active {
		t.Fatal("deactivated entry listed as active")
	}

	// Re-upsert with position -1 keeps the stored slot.
	if err := db.UpsertSubscription(ctx, registry.Subscription{
		ChatID: 10, Kind: transport.ChatUser, Label: "alice2", Active: true, JoinedAt: time.Now(),
	}, -1); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}
	got, err = db.ListSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ChatID != 10 || got[0].Label != "alice2" {
		t.Fatalf("re-upsert moved or lost the entry: %+v", got[0])
	}
}

func TestAlertRoundtrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a := alerts.Alert{
		UserID:    7,
		Asset:     ledger.Asset{Issuer: "rIssuer", Code: "XYZ"},
		Target:    decimal.RequireFromString("1.25"),
		Direction: alerts.Above,
		CreatedAt: time.Now(),
	}
	id, err := db.InsertAlert(ctx, a)
	if err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if id == 0 {
		t.Fatal("InsertAlert returned id 0")
	}

	if err := db.MarkAlertTriggered(ctx, id, decimal.RequireFromString("1.30"), time.Now()); err != nil {
		t.Fatalf("MarkAlertTriggered: %v", err)
	}

	got, err := db.ListAlerts(ctx)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if !got[0].Triggered || !got[0].TriggeredPrice.Equal(decimal.RequireFromString("1.30")) {
		t.Fatalf("triggered state not persisted: %+v", got[0])
	}
	if !got[0].Target.Equal(a.Target) || got[0].Direction != alerts.Above {
		t.Fatalf("alert fields not persisted: %+v", got[0])
	}

	if err := db.DeleteAlert(ctx, id); err != nil {
		t.Fatalf("DeleteAlert: %v", err)
	}
	got, err = db.ListAlerts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("len = %d after delete, want 0", len(got))
	}
}

func TestAssetRecordIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	asset := ledger.Asset{Issuer: "rIssuer", Code: "ABC"}
	seen, err := db.HasAsset(ctx, asset)
	if err != nil || seen {
		t.Fatalf("HasAsset before record = %v, %v", seen, err)
	}

	d := event.Discovery{Asset: asset, Holders: 5, Source: event.SourceLedgerStream, DiscoveredAt: time.Now()}
	if err := db.RecordAsset(ctx, d); err != nil {
		t.Fatalf("RecordAsset: %v", err)
	}
	if err := db.RecordAsset(ctx, d); err != nil {
		t.Fatalf("RecordAsset (again): %v", err)
	}

	seen, err = db.HasAsset(ctx, asset)
	if err != nil || !seen {
		t.Fatalf("HasAsset after record = %v, %v", seen, err)
	}
}

func TestAppendAudit(t *testing.T) {
	db := openTestDB(t)
	err := db.AppendAudit(context.Background(), AuditEntry{
		Kind:    "discovery.promoted",
		Subject: "rIssuer:ABC",
		OK:      3,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}
