package ledger

import (
	"encoding/hex"
	"strings"
)

// Asset identifies an issued asset on the ledger: the (issuer, currency code)
// pair is the composite key used for dedup and alert registration.
type Asset struct {
	Issuer string
	Code   string
}

// Key returns the canonical composite key.
func (a Asset) Key() string { return a.Issuer + ":" + a.Code }

func (a Asset) IsZero() bool { return a.Issuer == "" || a.Code == "" }

// DisplayCode renders the currency code for humans. Ledger currency codes are
// either 3 ASCII characters or a 40-char hex blob padded with zero bytes;
// the hex form is decoded when it is printable ASCII.
func (a Asset) DisplayCode() string {
	code := a.Code
	if len(code) != 40 {
		return code
	}
	raw, err := hex.DecodeString(code)
	if err != nil {
		return code
	}
	trimmed := strings.TrimRight(string(raw), "\x00")
	for _, r := range trimmed {
		if r < 0x20 || r > 0x7e {
			return code
		}
	}
	if trimmed == "" {
		return code
	}
	return trimmed
}
