package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	logx "tokenpulse/pkg/logx"
)

// Client talks JSON-RPC to a ledger full-history node.
type Client struct {
	url  string
	http *http.Client
	log  logx.Logger
}

type ClientConfig struct {
	RPCURL  string
	Timeout time.Duration
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		url:  cfg.RPCURL,
		http: &http.Client{Timeout: timeout},
		log:  log.With(logx.String("component", "ledger_rpc")),
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// accountLinesResult is the subset of the account_lines response we read.
// Trust lines are reported from the issuer's perspective: a holder with a
// positive balance shows up as a negative line balance here.
type accountLinesResult struct {
	Result struct {
		Status string `json:"status"`
		Error  string `json:"error"`
		Lines  []struct {
			Account  string `json:"account"`
			Currency string `json:"currency"`
			Balance  string `json:"balance"`
		} `json:"lines"`
		Marker json.RawMessage `json:"marker"`
	} `json:"result"`
}

// HolderCount returns the number of distinct counterparties holding a
// non-zero balance of the asset. Pagination stops early once the count
// reaches enough: the monitor only needs to know a threshold was crossed.
func (c *Client) HolderCount(ctx context.Context, asset Asset, enough int) (int, error) {
	count := 0
	var marker json.RawMessage
	for {
		params := map[string]any{
			"account":      asset.Issuer,
			"ledger_index": "validated",
			"limit":        400,
		}
		if marker != nil {
			params["marker"] = marker
		}

		var out accountLinesResult
		if err := c.call(ctx, "account_lines", params, &out); err != nil {
			return 0, err
		}
		if out.Result.Status != "success" {
			return 0, fmt.Errorf("account_lines: %s", out.Result.Error)
		}
		for _, line := range out.Result.Lines {
			if line.Currency != asset.Code {
				continue
			}
			bal, err := decimal.NewFromString(line.Balance)
			if err != nil || bal.IsZero() {
				continue
			}
			count++
			if enough > 0 && count >= enough {
				return count, nil
			}
		}
		marker = out.Result.Marker
		if marker == nil {
			return count, nil
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ledger rpc %s: http %d", method, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
