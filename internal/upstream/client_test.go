package upstream

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartlike-org/gateway/internal/signer"
)

func newTestSigner(t *testing.T) *signer.Signer {
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

	s, err := signer.New("gateway-account", "gateway-secret", pubPEM, privPEM)
	require.NoError(t, err)
	return s
}

type rpcBody struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  struct {
		SignedMessage struct {
			Sender    string `json:"sender"`
			Signature string `json:"signature"`
			Data      string `json:"data"`
		} `json:"signed_message"`
	} `json:"params"`
}

func TestCall(t *testing.T) {
	s := newTestSigner(t)

	var captured rpcBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Write([]byte(`{"status": "ok", "data": ""}`))
	}))
	defer srv.Close()

	c := New(s, srv.URL, srv.Client())
	require.NoError(t, c.Call(context.Background(), "relay_apub", `{"type":"Like"}`))

	assert.Equal(t, "2.0", captured.JSONRPC)
	assert.Equal(t, "relay_apub", captured.Method)
	assert.Equal(t, "gateway-account", captured.Params.SignedMessage.Sender)

	// The inner tx carries the method, a timestamp and the parameters.
	var tx struct {
		Kind string `json:"kind"`
		TS   int64  `json:"ts"`
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(captured.Params.SignedMessage.Data), &tx))
	assert.Equal(t, "relay_apub", tx.Kind)
	assert.NotZero(t, tx.TS)
	assert.Equal(t, `{"type":"Like"}`, tx.Data)

	// The hex signature verifies over the canonical serialization.
	sig, err := hex.DecodeString(captured.Params.SignedMessage.Signature)
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	assert.True(t, ed25519.Verify(s.Ed25519Public(), []byte(captured.Params.SignedMessage.Data), sig))
}

func TestCallJSON(t *testing.T) {
	s := newTestSigner(t)

	var captured rpcBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Write([]byte(`{"status": "ok", "data": ""}`))
	}))
	defer srv.Close()

	c := New(s, srv.URL, srv.Client())
	require.NoError(t, c.CallJSON(context.Background(), "forward_like", map[string]string{"platform": "telegram"}))

	var tx struct {
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(captured.Params.SignedMessage.Data), &tx))
	assert.JSONEq(t, `{"platform": "telegram"}`, tx.Data)
}

func TestCallErrorStatus(t *testing.T) {
	s := newTestSigner(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "unknown account", "data": ""}`))
	}))
	defer srv.Close()

	c := New(s, srv.URL, srv.Client())
	assert.Error(t, c.Call(context.Background(), "relay_apub", "{}"))
}

func TestCallHTTPError(t *testing.T) {
	s := newTestSigner(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(s, srv.URL, srv.Client())
	err := c.Call(context.Background(), "relay_apub", "{}")
	assert.ErrorIs(t, err, ErrUpstreamHTTP)
}
