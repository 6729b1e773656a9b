// Package server implements the HTTP ingress surface of the gateway: the
// ActivityPub inboxes, discovery endpoints, the payment webhook and the
// administrative API. The ActivityPub handlers verify no signatures
// themselves — they build envelopes and hand them to the pipeline. The
// payment webhook confirms each notification with the processor before
// dispatching it.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smartlike-org/gateway/internal/config"
	"github.com/smartlike-org/gateway/internal/relay"
	"github.com/smartlike-org/gateway/internal/signer"
)

const activityJSONType = "application/activity+json"

// Server is the gateway's HTTP frontend.
type Server struct {
	cfg        *config.Config
	dispatcher *relay.Dispatcher
	responder  *relay.Responder
	signer     *signer.Signer
	templates  map[string]string
	following  *Following

	actorDoc []byte
	nodeInfo []byte

	// paypalVerify echoes an IPN back to the processor. Swapped out in tests.
	paypalVerify func(ctx context.Context, message string) error

	router *chi.Mux
}

// New assembles the server. Pre-rendered documents are built once here.
func New(cfg *config.Config, dispatcher *relay.Dispatcher, responder *relay.Responder, s *signer.Signer, templates map[string]string, following *Following) *Server {
	srv := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		responder:  responder,
		signer:     s,
		templates:  templates,
		following:  following,
	}
	srv.actorDoc = buildActorDoc(cfg, s.PublicPEM())
	srv.nodeInfo = buildNodeInfo(cfg)
	srv.paypalVerify = srv.verifyIPN
	srv.router = srv.buildRouter()
	return srv
}

// Start runs the HTTP server until ctx is cancelled. Ingress stops before the
// pipeline so in-flight envelopes drain to disk or upstream.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("listening", "addr", s.cfg.ListenAddress, "instance", s.cfg.Instance)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	// ActivityPub ingress.
	r.Post("/inbox", s.handleInbox)
	r.Post("/", s.handleRoot)
	r.Get("/", s.handleIndex)

	r.Get("/actor", s.handleActor)
	r.Get("/nodeinfo/2.0.json", s.handleNodeInfo)

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/{account_id}", s.handleGetAccount)
		r.Post("/{account_id}", s.handlePostAccount)
		r.Get("/{account_id}/{end_point}", s.handleGetAccount)
		r.Post("/{account_id}/{end_point}", s.handleAccountEndpoint)
	})

	r.Route("/.well-known", func(r chi.Router) {
		r.Get("/nodeinfo", s.handleNodeInfoMeta)
		r.Get("/webfinger", s.handleWebFinger)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/follow/{platform}", s.handleAPIFollow)
		r.Post("/test_relay", s.handleAPITestRelay)
	})

	// Payment ingress.
	r.Post("/paypal", s.handlePayPal)
	r.Get("/ping", s.handlePing)

	return r
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

func apResponse(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", activityJSONType)
	w.WriteHeader(status)
	if len(body) > 0 {
		w.Write(body)
	}
}
