package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/smartlike-org/gateway/internal/apub"
	"github.com/smartlike-org/gateway/internal/paypal"
	"github.com/smartlike-org/gateway/internal/relay"
)

// maxBodySize caps inbound request bodies.
const maxBodySize = 1 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// handleInbox receives Like and Follow activities on the shared inbox. The
// activity is persisted and acknowledged; verification happens in the worker.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		http.Error(w, "failed to parse body", http.StatusBadRequest)
		return
	}

	if activity["id"] == nil || activity["actor"] == nil || activity["object"] == nil || activity["signature"] == nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}

	switch activity["type"] {
	case "Like", "Follow":
		msg, err := apub.BuildEnvelope(r, "/inbox", body)
		if err != nil {
			slog.Warn("failed to prepare message", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.dispatcher.Send(relay.Envelope{Kind: relay.KindApub, Apub: msg}); err != nil {
			http.Error(w, "persist failed", http.StatusInternalServerError)
			return
		}
		apResponse(w, http.StatusOK, nil)
	default:
		http.Error(w, "unsupported activity", http.StatusBadRequest)
	}
}

// handleRoot receives Mastodon-style activities on the root inbox: an
// Announce is queued for relay, a Follow is answered with a signed Accept.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		http.Error(w, "failed to parse body", http.StatusBadRequest)
		return
	}

	switch activity["type"] {
	case "Announce":
		if err := apub.HandleMastodonBoost(r, activity, body, s.dispatcher); err != nil {
			slog.Warn("boost rejected", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		apResponse(w, http.StatusAccepted, nil)
	case "Follow":
		if err := apub.HandleMastodonFollow(activity, s.dispatcher, s.cfg.Instance); err != nil {
			slog.Warn("follow rejected", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		apResponse(w, http.StatusAccepted, nil)
	default:
		http.Error(w, "unsupported activity", http.StatusBadRequest)
	}
}

// handleAccountEndpoint receives account-scoped activities, currently only
// the PeerTube inbox.
func (s *Server) handleAccountEndpoint(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	endPoint := chi.URLParam(r, "end_point")
	if accountID != "peertube" || endPoint != "inbox" {
		http.Error(w, "unknown endpoint", http.StatusBadRequest)
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		http.Error(w, "failed to parse body", http.StatusBadRequest)
		return
	}

	switch activity["type"] {
	case "Follow":
		path := fmt.Sprintf("/accounts/%s/%s", accountID, endPoint)
		msg, err := apub.BuildEnvelope(r, path, body)
		if err != nil {
			slog.Warn("failed to prepare message", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.dispatcher.Send(relay.Envelope{Kind: relay.KindApub, Apub: msg}); err != nil {
			http.Error(w, "persist failed", http.StatusInternalServerError)
			return
		}
		apResponse(w, http.StatusOK, nil)
	case "Accept", "Like":
		// Accept confirms our own follow; PeerTube likes are relayed from
		// the shared inbox.
		apResponse(w, http.StatusOK, nil)
	default:
		http.Error(w, "unsupported activity", http.StatusBadRequest)
	}
}

func (s *Server) handlePostAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := readBody(w, r); !ok {
		return
	}
	apResponse(w, http.StatusOK, nil)
}

// handleGetAccount serves pre-rendered account documents.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	if v, ok := s.templates[ResponseName(r.Method, r.URL.Path, r.URL.RawQuery)]; ok {
		apResponse(w, http.StatusOK, []byte(v))
		return
	}
	apResponse(w, http.StatusOK, nil)
}

func (s *Server) handleActor(w http.ResponseWriter, _ *http.Request) {
	apResponse(w, http.StatusOK, s.actorDoc)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, _ *http.Request) {
	apResponse(w, http.StatusOK, s.nodeInfo)
}

func (s *Server) handleNodeInfoMeta(w http.ResponseWriter, _ *http.Request) {
	doc, _ := json.Marshal(map[string]interface{}{
		"links": []map[string]string{{
			"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
			"href": s.cfg.BaseURL("/nodeinfo/2.0.json"),
		}},
	})
	apResponse(w, http.StatusOK, doc)
}

// handleWebFinger answers discovery queries for the gateway's own accounts.
func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if idx := strings.LastIndex(resource, "@"); idx >= 0 && resource[idx+1:] == s.cfg.Instance {
		if v, ok := s.templates["GET_%2Fwebfinger%3Dsource%3Fsource%3Dacct%3Apeertube.json"]; ok {
			apResponse(w, http.StatusOK, []byte(v))
			return
		}
	}
	apResponse(w, http.StatusOK, nil)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	if v, ok := s.templates["GET_index.html"]; ok {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(v))
		return
	}
	http.Error(w, "not configured", http.StatusInternalServerError)
}

// handleAPIFollow administratively follows a remote instance.
func (s *Server) handleAPIFollow(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	instance := r.URL.Query().Get("instance")
	if platform != "peertube" || instance == "" {
		http.Error(w, "unknown platform", http.StatusBadRequest)
		return
	}

	if err := apub.FollowPeerTube(r.Context(), instance, s.templates, s.responder, s.cfg.Instance); err != nil {
		slog.Error("follow failed", "instance", instance, "error", err)
		http.Error(w, "follow failed", http.StatusInternalServerError)
		return
	}
	if err := s.following.Add(instance, fmt.Sprintf("https://%s/accounts/peertube", instance)); err != nil {
		slog.Error("failed to persist followed instance", "instance", instance, "error", err)
		http.Error(w, "persist failed", http.StatusInternalServerError)
		return
	}
	apResponse(w, http.StatusOK, nil)
}

// handleAPITestRelay signs an arbitrary JSON document and delivers it to a
// target inbox. Developer diagnostic.
func (s *Server) handleAPITestRelay(w http.ResponseWriter, r *http.Request) {
	instance := r.URL.Query().Get("instance")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var message map[string]interface{}
	if err := json.Unmarshal(body, &message); err != nil || instance == "" {
		http.Error(w, "failed to parse request", http.StatusBadRequest)
		return
	}

	err := s.responder.SignAndSend(r.Context(), relay.Reply{
		Instance: instance,
		Path:     "/inbox",
		Message:  message,
		KeyID:    fmt.Sprintf("https://%s/accounts/peertube", s.cfg.Instance),
		SignBody: false,
	})
	if err != nil {
		slog.Error("test relay failed", "instance", instance, "error", err)
		http.Error(w, "delivery failed", http.StatusBadRequest)
		return
	}
	w.Write([]byte("ok"))
}

// handlePayPal receives IPN posts. PayPal expects a 200 acknowledgement for
// anything it can deliver; only a local persistence failure is a 500 so the
// processor re-sends the notification.
func (s *Server) handlePayPal(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	text := string(body)

	if err := s.paypalVerify(r.Context(), text); err != nil {
		slog.Error("failed to verify IPN", "error", err)
		w.Write([]byte("Error"))
		return
	}

	params, err := url.ParseQuery(text)
	if err != nil {
		slog.Error("failed to parse query string", "error", err)
		w.Write([]byte("Error"))
		return
	}

	receipt, err := paypal.Parse(params)
	if err != nil {
		slog.Error("failed to parse IPN", "error", err)
		w.Write([]byte("Error"))
		return
	}

	if err := s.dispatcher.Send(relay.Envelope{Kind: relay.KindDonation, Donation: receipt}); err != nil {
		slog.Error("failed to store receipt", "txn_id", receipt.ID, "error", err)
		http.Error(w, "persist failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) verifyIPN(ctx context.Context, message string) error {
	return paypal.Verify(ctx, nil, paypal.IPNAddress, message)
}

// handlePing signs the caller's token, proving key possession.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		w.Write(nil)
		return
	}
	doc, _ := json.Marshal(map[string]string{
		"token":     token,
		"signature": s.signer.SignEd25519([]byte(token)),
	})
	w.Header().Set("Content-Type", "text/plain")
	w.Write(doc)
}
