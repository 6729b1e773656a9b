// Package apub implements the ingress side of the ActivityPub pipeline: the
// HTTP Message-Signature parsing contract and the Mastodon / PeerTube
// activity handling that feeds the dispatcher.
package apub

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smartlike-org/gateway/internal/relay"
)

// parseSignatureField splits one key=value pair of a Signature header,
// stripping surrounding quotes from the value.
func parseSignatureField(field string) (string, string, error) {
	idx := strings.Index(field, "=")
	if idx < 0 {
		return "", "", fmt.Errorf("failed to parse signature field %q", field)
	}
	key := strings.TrimSpace(field[:idx])
	value := field[idx+1:]
	if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2 {
		value = value[1 : len(value)-1]
	}
	return key, value, nil
}

// BuildEnvelope reconstructs the signing string from an inbound request and
// packages it with the raw body into an ActivityPub envelope.
//
// The signing string starts with "(request-target): <method-lc> <path>" and
// appends one "\n<name>: <value>" line per header named in the Signature
// header's headers= field, in the order named. A named header missing from
// the request — or a Signature header lacking keyId, signature or headers —
// is a client error.
func BuildEnvelope(r *http.Request, path string, payload []byte) (*relay.Apub, error) {
	sigHeader := r.Header.Get("Signature")
	if sigHeader == "" {
		return nil, fmt.Errorf("%w: Signature", relay.ErrMissingHeader)
	}
	digest := r.Header.Get("Digest")
	if digest == "" {
		return nil, fmt.Errorf("%w: Digest", relay.ErrMissingHeader)
	}

	msg := relay.Apub{
		Digest:     digest,
		Payload:    string(payload),
		ReceivedTS: time.Now().Unix(),
	}

	var headerList string
	for _, field := range strings.Split(sigHeader, ",") {
		name, value, err := parseSignatureField(field)
		if err != nil {
			return nil, err
		}
		switch name {
		case "keyId":
			msg.KeyID = value
		case "algorithm":
			msg.Algorithm = value
		case "signature":
			msg.Signature = value
		case "headers":
			headerList = value
		}
	}
	if msg.KeyID == "" || msg.Signature == "" || headerList == "" {
		return nil, fmt.Errorf("%w: Signature header incomplete", relay.ErrMissingHeader)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "(request-target): %s %s", strings.ToLower(r.Method), path)
	for _, name := range strings.Fields(headerList) {
		name = strings.ToLower(name)
		if name == "(request-target)" {
			continue
		}
		var value string
		if name == "host" {
			value = r.Host
		} else {
			value = r.Header.Get(name)
		}
		if value == "" {
			return nil, fmt.Errorf("%w: %s", relay.ErrMissingHeader, name)
		}
		fmt.Fprintf(&b, "\n%s: %s", name, value)
	}
	msg.Headers = b.String()

	return &msg, nil
}

// Domain extracts the hostname of an actor URI.
func Domain(actorURI string) (string, error) {
	rest := actorURI
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	} else {
		return "", fmt.Errorf("invalid actor uri %q", actorURI)
	}
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return "", fmt.Errorf("invalid actor uri %q", actorURI)
	}
	return rest, nil
}
