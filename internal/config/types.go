package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Ledger   LedgerConfig   `json:"ledger"`
	Index    IndexConfig    `json:"index"`
	Monitor  MonitorConfig  `json:"monitor"`
	Alerts   AlertsConfig   `json:"alerts"`
	Dispatch DispatchConfig `json:"dispatch"`

	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Offline skips the initial API handshake; integration tests use it.
	Offline bool `json:"offline,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LedgerConfig points at the ledger node: the websocket transaction stream
// and the JSON-RPC endpoint used for holder counts.
//
// All durations are Go duration strings (e.g. "5s", "90s").
type LedgerConfig struct {
	WebsocketURL     string `json:"websocket_url"`
	RPCURL           string `json:"rpc_url"`
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`
	ReadTimeout      string `json:"read_timeout,omitempty"`
}

// IndexConfig points at the token metadata index.
type IndexConfig struct {
	BaseURL        string `json:"base_url"`
	PageSize       int    `json:"page_size,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type MonitorConfig struct {
	MinHolders int `json:"min_holders,omitempty"`
	DedupSize  int `json:"dedup_size,omitempty"`
	// PollInterval drives the metadata index poll tick.
	PollInterval string `json:"poll_interval,omitempty"`
	PollOverlap  string `json:"poll_overlap,omitempty"`
}

type AlertsConfig struct {
	// EvalInterval drives the price evaluation tick.
	EvalInterval string `json:"eval_interval,omitempty"`
	MaxPerUser   int    `json:"max_per_user,omitempty"`
}

type DispatchConfig struct {
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	FloodWaitMax string `json:"flood_wait_max,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tokenpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// Validate checks the fields that would otherwise fail deep inside startup.
// Durations are validated where they are parsed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Ledger.WebsocketURL) == "" {
		return errors.New("ledger.websocket_url is required")
	}
	if strings.TrimSpace(c.Ledger.RPCURL) == "" {
		return errors.New("ledger.rpc_url is required")
	}
	if strings.TrimSpace(c.Index.BaseURL) == "" {
		return errors.New("index.base_url is required")
	}
	if c.Monitor.MinHolders < 0 {
		return fmt.Errorf("monitor.min_holders must be >= 0, got %d", c.Monitor.MinHolders)
	}
	if c.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0, got %d", c.Dispatch.RatePerSec)
	}
	if c.Storage != nil {
		driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		if driver != "" && driver != "none" && strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required when storage is enabled")
		}
	}
	for _, d := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"ledger.reconnect_backoff", c.Ledger.ReconnectBackoff},
		{"ledger.read_timeout", c.Ledger.ReadTimeout},
		{"index.request_timeout", c.Index.RequestTimeout},
		{"monitor.poll_interval", c.Monitor.PollInterval},
		{"monitor.poll_overlap", c.Monitor.PollOverlap},
		{"alerts.eval_interval", c.Alerts.EvalInterval},
		{"dispatch.flood_wait_max", c.Dispatch.FloodWaitMax},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
