// Package marketdata queries the token metadata index (an xpmarket-style
// HTTP API) for recently indexed assets and current prices.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tokenpulse/internal/ledger"
	logx "tokenpulse/pkg/logx"
)

// ErrNotListed is returned when the index has no entry for an asset.
var ErrNotListed = errors.New("asset not listed on index")

// IndexedAsset is one listing row from the index.
type IndexedAsset struct {
	Asset     ledger.Asset
	Name      string
	Ticker    string
	Price     decimal.Decimal
	Liquidity decimal.Decimal
	Holders   int
	LogoURL   string
	CreatedAt time.Time
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// PageSize bounds the recently-indexed listing request.
	PageSize int
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("component", "marketdata")),
	}
}

type listingResponse struct {
	Data struct {
		Items []listingItem `json:"items"`
	} `json:"data"`
}

type listingItem struct {
	Title     string          `json:"title"`
	Ticker    string          `json:"ticker"`
	Price     decimal.Decimal `json:"price"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Holders   int             `json:"holders"`
	Address   string          `json:"address"`
	Currency  string          `json:"currency"`
	CreatedAt string          `json:"created_at"`
	Logo      string          `json:"logo"`
}

// RecentAssets returns listings created at or after since, newest first.
func (c *Client) RecentAssets(ctx context.Context, since time.Time) ([]IndexedAsset, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("offset", "0")
	q.Set("sort", "created_at")
	q.Set("sortDirection", "desc")

	items, err := c.list(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]IndexedAsset, 0, len(items))
	for _, item := range items {
		ia, err := item.toAsset()
		if err != nil {
			c.log.Debug("skipping malformed listing", logx.String("ticker", item.Ticker), logx.Err(err))
			continue
		}
		if !since.IsZero() && ia.CreatedAt.Before(since) {
			continue
		}
		out = append(out, ia)
	}
	return out, nil
}

// CurrentPrice looks up the current index price for one asset.
func (c *Client) CurrentPrice(ctx context.Context, asset ledger.Asset) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("limit", "5")
	q.Set("offset", "0")
	q.Set("address", asset.Issuer)

	items, err := c.list(ctx, q)
	if err != nil {
		return decimal.Zero, err
	}
	for _, item := range items {
		if item.Address == asset.Issuer && (item.Currency == "" || item.Currency == asset.Code) {
			return item.Price, nil
		}
	}
	return decimal.Zero, ErrNotListed
}

func (c *Client) list(ctx context.Context, q url.Values) ([]listingItem, error) {
	u := c.cfg.BaseURL + "/api/meme/pools?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("index request: http %d", resp.StatusCode)
	}

	var out listingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Data.Items, nil
}

func (item listingItem) toAsset() (IndexedAsset, error) {
	if item.Address == "" {
		return IndexedAsset{}, errors.New("listing has no issuer address")
	}
	code := item.Currency
	if code == "" {
		code = item.Ticker
	}
	if code == "" {
		return IndexedAsset{}, errors.New("listing has no currency code")
	}

	created, err := parseCreatedAt(item.CreatedAt)
	if err != nil {
		return IndexedAsset{}, err
	}
	return IndexedAsset{
		Asset:     ledger.Asset{Issuer: item.Address, Code: code},
		Name:      item.Title,
		Ticker:    item.Ticker,
		Price:     item.Price,
		Liquidity: item.Liquidity,
		Holders:   item.Holders,
		LogoURL:   item.Logo,
		CreatedAt: created,
	}, nil
}

func parseCreatedAt(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created_at %q", raw)
}
