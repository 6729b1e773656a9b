// Package rates parses exchange-rate feeds and forwards them upstream. The
// periodic downloader runs outside the gateway; it hands response bodies to
// Parse and pushes the result through the RPC client.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
)

// Update is the upstream exchange-rate payload.
type Update struct {
	Source string             `json:"source"`
	Base   string             `json:"base"`
	TS     uint32             `json:"ts"`
	Rates  map[string]float64 `json:"rates"`
}

// Upstream is the slice of the RPC client the rates path needs.
type Upstream interface {
	CallJSON(ctx context.Context, method string, v interface{}) error
}

// Parse converts an openexchangerates.org response body into an Update.
func Parse(source string, body []byte) (*Update, error) {
	var resp struct {
		Disclaimer string             `json:"disclaimer"`
		License    string             `json:"license"`
		Timestamp  uint32             `json:"timestamp"`
		Base       string             `json:"base"`
		Rates      map[string]float64 `json:"rates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if resp.Base == "" || len(resp.Rates) == 0 {
		return nil, fmt.Errorf("parse error: empty rate table")
	}
	return &Update{
		Source: source,
		Base:   resp.Base,
		TS:     resp.Timestamp,
		Rates:  resp.Rates,
	}, nil
}

// Push delivers the update via the upstream RPC client.
func Push(ctx context.Context, client Upstream, u *Update) error {
	return client.CallJSON(ctx, "update_exchange_rates", u)
}
