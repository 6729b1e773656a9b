package relay

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/smartlike-org/gateway/internal/actor"
	"github.com/smartlike-org/gateway/internal/jsonld"
	"github.com/smartlike-org/gateway/internal/signer"
	"github.com/smartlike-org/gateway/internal/store"
)

// securityContext is the options @context for RSA-Signature-2017 hashing.
var securityContext = []interface{}{
	"https://w3id.org/security/v1",
	map[string]interface{}{"RsaSignature2017": "https://w3id.org/security#RsaSignature2017"},
}

// Upstream is the slice of the RPC client the workers need.
type Upstream interface {
	Call(ctx context.Context, method, params string) error
	CallJSON(ctx context.Context, method string, v interface{}) error
}

// Worker verifies envelopes from one shard and forwards them upstream.
// Each worker owns its receive channel and its actor cache; execution within
// a worker is strictly sequential.
type Worker struct {
	ID         int
	Queue      *store.KV
	Actors     *actor.Cache
	Upstream   Upstream
	Normalizer *jsonld.Normalizer

	// RetryInterval is the back-off between upstream delivery attempts.
	// Defaults to 600 s when zero.
	RetryInterval time.Duration
}

// Run consumes the shard channel until ctx is cancelled or the channel is
// closed. Un-forwarded envelopes stay on disk for the next run.
func (w *Worker) Run(ctx context.Context, ch <-chan Envelope) {
	slog.Info("relay worker started", "worker", w.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			w.process(ctx, env)
		}
	}
}

func (w *Worker) process(ctx context.Context, env Envelope) {
	key := env.Key()
	switch env.Kind {
	case KindApub:
		w.processApub(ctx, key, env.Apub)
	case KindDonation:
		if w.forward(ctx, func() error {
			return w.Upstream.CallJSON(ctx, "confirm_donation", env.Donation)
		}) {
			w.dequeue(key)
		}
	case KindLike:
		if w.forward(ctx, func() error {
			return w.Upstream.CallJSON(ctx, "forward_like", env.Like)
		}) {
			w.dequeue(key)
		}
	default:
		slog.Warn("unknown envelope kind, dropping", "kind", env.Kind, "key", key)
		w.dequeue(key)
	}
}

func (w *Worker) processApub(ctx context.Context, key string, msg *Apub) {
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &body); err != nil {
		slog.Warn("apub payload malformed, dropping", "key_id", msg.KeyID, "error", err)
		w.dequeue(key)
		return
	}

	activityType, _ := body["type"].(string)
	activityID, _ := body["id"].(string)

	switch activityType {
	case "Like":
		if err := w.verifyHTTPSignature(ctx, msg, false); err != nil {
			slog.Warn("dropping activity", "id", activityID, "type", activityType, "actor", msg.KeyID, "error", err)
			w.dequeue(key)
			return
		}
		if err := w.verifyRsaSignature(ctx, body, true); err != nil {
			slog.Warn("dropping activity", "id", activityID, "type", activityType, "actor", msg.KeyID, "error", err)
			w.dequeue(key)
			return
		}
	case "Announce":
		if err := w.verifyHTTPSignature(ctx, msg, true); err != nil {
			slog.Warn("dropping activity", "id", activityID, "type", activityType, "actor", msg.KeyID, "error", err)
			w.dequeue(key)
			return
		}
	case "Follow":
		if err := w.verifyHTTPSignature(ctx, msg, false); err != nil {
			slog.Warn("dropping activity", "id", activityID, "type", activityType, "actor", msg.KeyID, "error", err)
			w.dequeue(key)
			return
		}
		// The accept reply is emitted by the ingress; nothing to forward.
		w.dequeue(key)
		return
	default:
		slog.Debug("ignoring activity type", "id", activityID, "type", activityType)
		w.dequeue(key)
		return
	}

	if w.forward(ctx, func() error {
		return w.Upstream.Call(ctx, "relay_apub", msg.Payload)
	}) {
		w.dequeue(key)
	}
}

// forward invokes deliver until it succeeds, sleeping RetryInterval between
// attempts. Returns false only when ctx is cancelled; the envelope then stays
// persisted for the next run.
func (w *Worker) forward(ctx context.Context, deliver func() error) bool {
	retry := w.RetryInterval
	if retry == 0 {
		retry = 600 * time.Second
	}
	for {
		err := deliver()
		if err == nil {
			return true
		}
		slog.Error("failed to forward upstream, retrying", "worker", w.ID, "retry_in", retry, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retry):
		}
	}
}

func (w *Worker) dequeue(key string) {
	if err := w.Queue.Delete(key); err != nil {
		slog.Error("failed to delete queue record", "key", key, "error", err)
	}
}

// verifyHTTPSignature checks the envelope's digest against its payload and
// the RSA-SHA256 signature of the reconstructed signing string against the
// signing actor's published key.
func (w *Worker) verifyHTTPSignature(ctx context.Context, msg *Apub, accountRequired bool) error {
	sum := sha256.Sum256([]byte(msg.Payload))
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	if msg.Digest != digest {
		return fmt.Errorf("%w: digest header does not match body", ErrSignatureMismatch)
	}

	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature not base64", ErrSignatureMismatch)
	}

	a := w.Actors.Get(ctx, msg.KeyID, accountRequired)
	if a == nil || a.PublicKey == nil {
		return fmt.Errorf("%w: %s", ErrActorFetchFailed, msg.KeyID)
	}

	if !signer.VerifyRSA(a.PublicKey, []byte(msg.Headers), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// verifyRsaSignature validates an embedded JSON-LD RSA-Signature-2017. The
// signature sub-object is detached from the document, both are URDNA2015
// hashed, and the concatenated hashes are verified against the creator's key.
// The creator may differ from the HTTP signer for forwarded activities.
func (w *Worker) verifyRsaSignature(ctx context.Context, body map[string]interface{}, accountRequired bool) error {
	sigObj, ok := body["signature"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: no signature object", ErrInvalidRsaSignature)
	}
	delete(body, "signature")

	document, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("serialize document: %w", err)
	}
	documentHash, err := w.Normalizer.NormalizeHash(string(document))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRsaSignature, err)
	}

	creator, _ := sigObj["creator"].(string)
	created, _ := sigObj["created"].(string)
	signatureValue, _ := sigObj["signatureValue"].(string)
	if creator == "" || created == "" || signatureValue == "" {
		return fmt.Errorf("%w: incomplete signature object", ErrInvalidRsaSignature)
	}

	sig, err := base64.StdEncoding.DecodeString(signatureValue)
	if err != nil {
		return fmt.Errorf("%w: signatureValue not base64", ErrInvalidRsaSignature)
	}

	options := map[string]interface{}{
		"@context": securityContext,
		"created":  created,
		"creator":  creator,
	}
	optionsDoc, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("serialize options: %w", err)
	}
	optionsHash, err := w.Normalizer.NormalizeHash(string(optionsDoc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRsaSignature, err)
	}

	a := w.Actors.Get(ctx, creator, accountRequired)
	if a == nil || a.PublicKey == nil {
		return fmt.Errorf("%w: %s", ErrActorFetchFailed, creator)
	}

	toBeSigned := optionsHash + documentHash
	if !signer.VerifyRSA(a.PublicKey, []byte(toBeSigned), sig) {
		return ErrInvalidRsaSignature
	}
	return nil
}
