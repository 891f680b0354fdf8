package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokenpulse/internal/ledger"
	logx "tokenpulse/pkg/logx"
)

const listingBody = `{"data":{"items":[
	{"title":"Moon","ticker":"MOON","price":"0.0021","liquidity":"5400","holders":12,
	 "address":"rMoonIssuer","created_at":"2026-08-20T10:00:00Z","logo":"https://img/moon.png"},
	{"title":"Old","ticker":"OLD","price":0.5,"liquidity":100,"holders":900,
	 "address":"rOldIssuer","created_at":"2026-01-01T00:00:00Z"},
	{"title":"Broken","ticker":"BRK","price":"1","holders":1,"created_at":"2026-08-21T00:00:00Z"}
]}}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL}, logx.Nop())
}

func TestRecentAssetsFiltersAndParses(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("sort"); got != "created_at" {
			t.Errorf("sort = %q, want created_at", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listingBody))
	})

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.RecentAssets(context.Background(), since)
	if err != nil {
		t.Fatalf("RecentAssets: %v", err)
	}
	// "Old" is before since, "Broken" has no issuer address.
	if len(got) != 1 {
		t.Fatalf("got %d assets, want 1: %+v", len(got), got)
	}
	a := got[0]
	if a.Asset.Issuer != "rMoonIssuer" || a.Asset.Code != "MOON" {
		t.Fatalf("unexpected asset identity: %+v", a.Asset)
	}
	if !a.Price.Equal(decimal.RequireFromString("0.0021")) {
		t.Fatalf("Price = %s, want 0.0021", a.Price)
	}
	if a.Holders != 12 || a.LogoURL != "https://img/moon.png" {
		t.Fatalf("unexpected listing fields: %+v", a)
	}
}

func TestCurrentPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("address"); got != "rMoonIssuer" {
			t.Errorf("address = %q, want rMoonIssuer", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listingBody))
	})

	price, err := c.CurrentPrice(context.Background(), ledger.Asset{Issuer: "rMoonIssuer", Code: "MOON"})
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("0.0021")) {
		t.Fatalf("price = %s, want 0.0021", price)
	}
}

func TestCurrentPriceNotListed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"items":[]}}`))
	})
	_, err := c.CurrentPrice(context.Background(), ledger.Asset{Issuer: "rNobody", Code: "X"})
	if err != ErrNotListed {
		t.Fatalf("err = %v, want ErrNotListed", err)
	}
}

func TestListingServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	if _, err := c.RecentAssets(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected error on 502")
	}
}
