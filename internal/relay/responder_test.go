package relay

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartlike-org/gateway/internal/jsonld"
	"github.com/smartlike-org/gateway/internal/signer"
)

type capturedRequest struct {
	header http.Header
	body   []byte
	path   string
	host   string
}

func newResponderHarness(t *testing.T, status int) (*Responder, *signer.Signer, string, *capturedRequest) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))

	keys, err := signer.New("acct", "secret", pubPEM, privPEM)
	require.NoError(t, err)

	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.header = r.Header.Clone()
		captured.body, _ = io.ReadAll(r.Body)
		captured.path = r.URL.Path
		captured.host = r.Host
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	loader := jsonld.NewMemoryLoader(map[string]interface{}{
		"https://www.w3.org/ns/activitystreams": map[string]interface{}{
			"@context": map[string]interface{}{"id": "@id", "type": "@type"},
		},
		"https://w3id.org/security/v1": map[string]interface{}{
			"@context": map[string]interface{}{
				"creator": "http://purl.org/dc/terms/creator",
				"created": "http://purl.org/dc/terms/created",
			},
		},
	})

	responder := &Responder{
		Signer:     keys,
		Normalizer: jsonld.NewNormalizer(loader),
		Protocol:   "http",
		Client:     srv.Client(),
	}
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return responder, keys, u.Host, captured
}

func parseSignatureHeader(t *testing.T, header string) map[string]string {
	t.Helper()
	fields := map[string]string{}
	for _, field := range strings.Split(header, ",") {
		idx := strings.Index(field, "=")
		require.GreaterOrEqual(t, idx, 0)
		fields[field[:idx]] = strings.Trim(field[idx+1:], `"`)
	}
	return fields
}

func TestSignAndSend(t *testing.T) {
	responder, keys, instance, captured := newResponderHarness(t, http.StatusOK)

	message := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type":     "Accept",
		"id":       "https://gateway.example/activities/1",
	}
	err := responder.SignAndSend(context.Background(), Reply{
		Instance: instance,
		Path:     "/inbox",
		Message:  message,
		KeyID:    "https://gateway.example/actor#main-key",
	})
	require.NoError(t, err)

	assert.Equal(t, "/inbox", captured.path)
	assert.Equal(t, "application/json", captured.header.Get("Content-Type"))

	// Digest covers the delivered body.
	sum := sha256.Sum256(captured.body)
	assert.Equal(t, "SHA-256="+base64.StdEncoding.EncodeToString(sum[:]), captured.header.Get("Digest"))

	fields := parseSignatureHeader(t, captured.header.Get("Signature"))
	assert.Equal(t, "https://gateway.example/actor#main-key", fields["keyId"])
	assert.Equal(t, "rsa-sha256", fields["algorithm"])
	assert.Equal(t, "(request-target) host date digest", fields["headers"])

	// The signature verifies over the reconstructed signing string.
	signingString := fmt.Sprintf(
		"(request-target): post /inbox\nhost: %s\ndate: %s\ndigest: %s",
		captured.host,
		captured.header.Get("Date"),
		captured.header.Get("Digest"),
	)
	sig, err := base64.StdEncoding.DecodeString(fields["signature"])
	require.NoError(t, err)
	pub, err := signer.ParsePublicKeyPEM([]byte(keys.PublicPEM()))
	require.NoError(t, err)
	assert.True(t, signer.VerifyRSA(pub, []byte(signingString), sig))
}

func TestSignAndSendSignBody(t *testing.T) {
	responder, keys, instance, captured := newResponderHarness(t, http.StatusOK)

	message := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type":     "Follow",
		"id":       "https://gateway.example/accounts/peertube/follows/1",
	}
	err := responder.SignAndSend(context.Background(), Reply{
		Instance: instance,
		Path:     "/accounts/peertube/inbox",
		Message:  message,
		KeyID:    "https://gateway.example/accounts/peertube",
		SignBody: true,
	})
	require.NoError(t, err)

	var delivered map[string]interface{}
	require.NoError(t, json.Unmarshal(captured.body, &delivered))
	sigObj, ok := delivered["signature"].(map[string]interface{})
	require.True(t, ok, "body carries an embedded signature")
	assert.Equal(t, "RsaSignature2017", sigObj["type"])
	assert.Equal(t, "https://gateway.example/accounts/peertube", sigObj["creator"])

	// Re-run the verification side: detach, hash both documents, verify.
	delete(delivered, "signature")
	document, err := json.Marshal(delivered)
	require.NoError(t, err)
	documentHash, err := responder.Normalizer.NormalizeHash(string(document))
	require.NoError(t, err)

	options := map[string]interface{}{
		"@context": securityContext,
		"created":  sigObj["created"],
		"creator":  sigObj["creator"],
	}
	optionsDoc, err := json.Marshal(options)
	require.NoError(t, err)
	optionsHash, err := responder.Normalizer.NormalizeHash(string(optionsDoc))
	require.NoError(t, err)

	sig, err := base64.StdEncoding.DecodeString(sigObj["signatureValue"].(string))
	require.NoError(t, err)
	pub, err := signer.ParsePublicKeyPEM([]byte(keys.PublicPEM()))
	require.NoError(t, err)
	assert.True(t, signer.VerifyRSA(pub, []byte(optionsHash+documentHash), sig))
}

func TestSignAndSendNon200(t *testing.T) {
	responder, _, instance, _ := newResponderHarness(t, http.StatusBadGateway)

	err := responder.SignAndSend(context.Background(), Reply{
		Instance: instance,
		Path:     "/inbox",
		Message:  map[string]interface{}{"type": "Accept"},
	})
	assert.Error(t, err)
}
