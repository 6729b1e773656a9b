// Package upstream implements the signed JSON-RPC client for the Smartlike
// network. Every forwarded payload is wrapped in an Ed25519-signed envelope
// over a canonical serialization.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/smartlike-org/gateway/internal/signer"
)

// ErrUpstreamHTTP marks a non-200 reply from the upstream endpoint. Callers
// retry on it; the envelope stays persisted throughout.
var ErrUpstreamHTTP = errors.New("upstream http error")

// Client posts signed JSON-RPC calls to the configured upstream address.
// Safe for concurrent use; the HTTP connection pool is shared.
type Client struct {
	signer  *signer.Signer
	address string
	client  *http.Client
}

// New creates a client for the upstream at address.
func New(s *signer.Signer, address string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{signer: s, address: address, client: httpClient}
}

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// Call wraps parameters in a signed envelope and posts them as a JSON-RPC 2.0
// request. Success is HTTP 200 plus status "ok".
func (c *Client) Call(ctx context.Context, method, parameters string) error {
	tx := struct {
		Kind string `json:"kind"`
		TS   int64  `json:"ts"`
		Data string `json:"data"`
	}{Kind: method, TS: time.Now().Unix(), Data: parameters}

	message, err := json.Marshal(&tx)
	if err != nil {
		return fmt.Errorf("serialize tx: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      rand.Uint64(),
		"params": map[string]interface{}{
			"signed_message": map[string]interface{}{
				"sender":    c.signer.Account(),
				"signature": c.signer.SignEd25519(message),
				"data":      string(message),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("serialize body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", c.address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d from %s", ErrUpstreamHTTP, resp.StatusCode, c.address)
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var r response
	if err := json.Unmarshal(text, &r); err != nil {
		return fmt.Errorf("parse response %q: %w", text, err)
	}
	if r.Status != "ok" {
		return fmt.Errorf("upstream status: %s", r.Status)
	}
	return nil
}

// CallJSON serializes v and forwards it via Call.
func (c *Client) CallJSON(ctx context.Context, method string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize parameters: %w", err)
	}
	return c.Call(ctx, method, string(data))
}
