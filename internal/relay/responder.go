package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/smartlike-org/gateway/internal/jsonld"
	"github.com/smartlike-org/gateway/internal/signer"
)

// Reply is an outbound ActivityPub response to a remote inbox.
type Reply struct {
	Instance string                 // remote hostname
	Path     string                 // inbox path, e.g. "/inbox"
	Message  map[string]interface{} // activity to deliver
	KeyID    string                 // our signing key id
	SignBody bool                   // embed a JSON-LD RSA signature (PeerTube follows)
}

// Responder is the single cooperative task that signs and POSTs ActivityPub
// replies. Replies are fire-and-forget: a non-200 is logged and dropped.
type Responder struct {
	Signer     *signer.Signer
	Normalizer *jsonld.Normalizer
	Protocol   string
	Client     *http.Client
}

// Run consumes the reply channel until ctx is cancelled.
func (r *Responder) Run(ctx context.Context, ch <-chan Reply) {
	slog.Info("responder started")
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-ch:
			if !ok {
				return
			}
			if err := r.SignAndSend(ctx, reply); err != nil {
				slog.Warn("reply delivery failed", "instance", reply.Instance, "path", reply.Path, "error", err)
			}
		}
	}
}

// SignAndSend signs the reply and POSTs it to the remote inbox. With SignBody
// set, the message is first JSON-LD RSA-signed; the HTTP request always
// carries a Message-Signature over (request-target) host date digest.
func (r *Responder) SignAndSend(ctx context.Context, reply Reply) error {
	message := reply.Message
	if reply.SignBody {
		if err := r.signBody(message, reply.KeyID); err != nil {
			return fmt.Errorf("sign body: %w", err)
		}
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("serialize reply: %w", err)
	}

	address := r.Protocol + "://" + reply.Instance + reply.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "fediverse-smartlike-relay")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", reply.Instance)

	// Sign (request-target) host date digest; the signer also computes and
	// sets the Digest header from the body.
	httpSigner, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := httpSigner.SignRequest(r.Signer.RSAPrivate(), reply.KeyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	// httpsig labels every signature "hs2019"; name the actual algorithm.
	// The algorithm parameter is not part of the signed string.
	req.Header.Set("Signature", strings.Replace(req.Header.Get("Signature"),
		`algorithm="hs2019"`, `algorithm="rsa-sha256"`, 1))

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post to %s: HTTP %d", address, resp.StatusCode)
	}

	slog.Debug("reply delivered", "instance", reply.Instance, "path", reply.Path)
	return nil
}

// signBody embeds an RSA-Signature-2017 into the message, mirroring the
// verification path in the worker.
func (r *Responder) signBody(message map[string]interface{}, keyID string) error {
	created := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	document, err := json.Marshal(message)
	if err != nil {
		return err
	}
	documentHash, err := r.Normalizer.NormalizeHash(string(document))
	if err != nil {
		return err
	}

	options := map[string]interface{}{
		"@context": securityContext,
		"created":  created,
		"creator":  keyID,
	}
	optionsDoc, err := json.Marshal(options)
	if err != nil {
		return err
	}
	optionsHash, err := r.Normalizer.NormalizeHash(string(optionsDoc))
	if err != nil {
		return err
	}

	sig, err := r.Signer.SignRSA([]byte(optionsHash + documentHash))
	if err != nil {
		return err
	}

	message["signature"] = map[string]interface{}{
		"type":           "RsaSignature2017",
		"creator":        keyID,
		"created":        created,
		"signatureValue": base64.StdEncoding.EncodeToString(sig),
	}
	return nil
}
