package actor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/smartlike-org/gateway/internal/signer"
)

const (
	// retryCheckAccountPeriod caps how often a failed or keyless actor is
	// re-fetched.
	retryCheckAccountPeriod = time.Hour

	acceptHeader = "application/activity+json"
	userAgent    = "fediverse-smartlike-relay"
)

var (
	reSig  = regexp.MustCompile(`Smartlike:\s?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reUUID = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

// Cache is a bounded LRU mapping actor URI → cached identity. Not safe for
// concurrent use; each worker owns one.
type Cache struct {
	actors   *lru.Cache
	client   *http.Client
	protocol string
}

// New creates a cache holding at most size actors.
func New(size int, protocol string, client *http.Client) (*Cache, error) {
	actors, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Cache{actors: actors, client: client, protocol: protocol}, nil
}

// Len returns the number of cached actors.
func (c *Cache) Len() int { return c.actors.Len() }

// Get returns the actor behind uri if a public key is known, fetching and
// caching it on a miss. With accountRequired set, only actors that published
// an upstream account in their profile summary are returned.
func (c *Cache) Get(ctx context.Context, uri string, accountRequired bool) *Actor {
	if v, ok := c.actors.Get(uri); ok {
		a := v.(*Actor)
		switch a.State {
		case NoAccount, AccountPublished:
			if a.PublicKey != nil {
				if accountRequired && a.State != AccountPublished {
					return nil
				}
				return a
			}
			if time.Since(a.LastChecked) < retryCheckAccountPeriod {
				return nil
			}
		case Error:
			if time.Since(a.LastChecked) < retryCheckAccountPeriod {
				return nil
			}
		default:
			// Reserved states act as permanent negative results.
			return nil
		}
	}

	// Poison the slot before fetching so a failed fetch is not retried for
	// the whole back-off period.
	c.actors.Add(uri, &Actor{State: Error, LastChecked: time.Now()})

	a := c.fetch(ctx, uri)
	if a == nil {
		return nil
	}
	c.actors.Add(uri, a)

	if a.PublicKey == nil {
		return nil
	}
	if accountRequired && a.State != AccountPublished {
		return nil
	}
	return a
}

// fetch retrieves the actor document over HTTP(S) and extracts its public key
// and upstream account marker. Returns nil when the request fails, the status
// is not 200 or the body cannot be read; the poisoned slot stays in place in
// that case. A document that is not valid JSON, lacks a public key or carries
// an unparsable key yields a keyless actor in the Error state.
func (c *Cache) fetch(ctx context.Context, uri string) *Actor {
	address := uri
	if c.protocol == "http" {
		address = strings.Replace(address, "https:", "http:", 1)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		slog.Warn("actor request failed", "uri", uri, "error", err)
		return nil
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("actor fetch failed", "uri", uri, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("actor fetch failed", "uri", uri, "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Warn("actor read failed", "uri", uri, "error", err)
		return nil
	}

	var doc struct {
		Summary   string `json:"summary"`
		PublicKey struct {
			PublicKeyPem string `json:"publicKeyPem"`
		} `json:"publicKey"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		slog.Warn("actor document malformed", "uri", uri, "error", err)
		return &Actor{State: Error, LastChecked: time.Now()}
	}

	a := &Actor{State: Error, LastChecked: time.Now()}

	if doc.PublicKey.PublicKeyPem != "" {
		key, err := signer.ParsePublicKeyPEM([]byte(doc.PublicKey.PublicKeyPem))
		if err != nil {
			slog.Warn("actor public key unparsable", "uri", uri, "error", err)
			return a
		}
		a.PublicKey = key
		a.State = NoAccount
		if m := reSig.FindString(doc.Summary); m != "" {
			if account := reUUID.FindString(m); account != "" {
				a.State = AccountPublished
				slog.Debug("actor account found", "uri", uri, "account", account)
			}
		}
	}

	return a
}
