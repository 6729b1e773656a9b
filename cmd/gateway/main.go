// The gateway bridges federated social platforms and payment processors into
// the Smartlike micro-donation network. It verifies inbound activity at its
// native authenticity layer, persists accepted events to a durable queue and
// forwards signed records upstream over JSON-RPC.
//
// Usage:
//
//	gateway --config gateway.toml
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/smartlike-org/gateway/internal/actor"
	"github.com/smartlike-org/gateway/internal/config"
	"github.com/smartlike-org/gateway/internal/jsonld"
	"github.com/smartlike-org/gateway/internal/relay"
	"github.com/smartlike-org/gateway/internal/server"
	"github.com/smartlike-org/gateway/internal/signer"
	"github.com/smartlike-org/gateway/internal/store"
	"github.com/smartlike-org/gateway/internal/upstream"
)

const (
	queuePath    = "./db/queue"
	contextPath  = "./db/context"
	contextsDir  = "./contexts"
	templatesDir = "./templates"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.LogTarget == "debug" || cfg.LogTarget == "trace" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting gateway", "instance", cfg.Instance, "upstream", cfg.NetworkAddress)

	keys, err := signer.New(cfg.SmartlikeAccount, cfg.SmartlikeKey, cfg.PublicKey, cfg.PrivateKey)
	if err != nil {
		slog.Error("failed to load key material", "error", err)
		os.Exit(1)
	}

	loader, err := jsonld.NewAllowListLoader(contextsDir)
	if err != nil {
		slog.Error("failed to load JSON-LD contexts", "error", err)
		os.Exit(1)
	}
	normalizer := jsonld.NewNormalizer(loader)

	queue, err := store.Open(queuePath)
	if err != nil {
		slog.Error("failed to open queue store", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	followingKV, err := store.Open(contextPath)
	if err != nil {
		slog.Error("failed to open context store", "error", err)
		os.Exit(1)
	}
	defer followingKV.Close()

	following, err := server.LoadFollowing(followingKV)
	if err != nil {
		slog.Error("failed to load followed instances", "error", err)
		os.Exit(1)
	}

	templates, err := server.LoadTemplates(templatesDir, cfg.Instance, cfg.PublicKey)
	if err != nil {
		slog.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	// Shared outbound HTTP client; remote actors and inboxes are slow, the
	// transport timeout bounds each attempt.
	httpClient := &http.Client{Timeout: 30 * time.Second}

	rpc := upstream.New(keys, cfg.NetworkAddress, httpClient)

	dispatcher := relay.NewDispatcher(queue, cfg.NumRelayThreads)

	responder := &relay.Responder{
		Signer:     keys,
		Normalizer: normalizer,
		Protocol:   cfg.Protocol,
		Client:     httpClient,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < cfg.NumRelayThreads; i++ {
		actors, err := actor.New(cfg.MaxActorCacheSize, cfg.Protocol, httpClient)
		if err != nil {
			slog.Error("failed to create actor cache", "error", err)
			os.Exit(1)
		}
		worker := &relay.Worker{
			ID:         i,
			Queue:      queue,
			Actors:     actors,
			Upstream:   rpc,
			Normalizer: normalizer,
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			worker.Run(ctx, dispatcher.ShardChannel(i))
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		responder.Run(ctx, dispatcher.ReplyChannel())
	}()

	if err := dispatcher.RecoverQueue(); err != nil {
		slog.Error("queue recovery failed", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, dispatcher, responder, keys, templates, following)
	srv.Start(ctx) // blocks until ctx is cancelled

	// Ingress has stopped; let workers observe cancellation and exit.
	// Un-forwarded envelopes remain on disk for the next run.
	wg.Wait()

	slog.Info("gateway stopped")
}
