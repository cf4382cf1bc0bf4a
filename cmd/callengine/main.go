package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/dialhouse/callengine/internal/engine"
	"github.com/dialhouse/callengine/internal/postcall"
	"github.com/dialhouse/callengine/internal/provider"
	"github.com/dialhouse/callengine/internal/record"
	"github.com/dialhouse/callengine/internal/suggest"
	"github.com/dialhouse/callengine/internal/ws"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	// Telephony providers. The SIP bridge is always available; the direct
	// carrier device only when its endpoint is configured.
	factories := map[provider.Name]provider.Factory{
		provider.Gateway: func() provider.Adapter {
			return provider.NewGatewayAdapter(provider.GatewayConfig{
				BaseURL:      cfg.gatewayURL,
				AgentID:      cfg.agentID,
				APIKey:       cfg.gatewayAPIKey,
				PollInterval: cfg.gatewayPollInterval,
			})
		},
	}
	if cfg.deviceURL != "" {
		factories[provider.DirectDial] = func() provider.Adapter {
			return provider.NewDirectDialAdapter(provider.DirectDialConfig{
				DeviceURL: cfg.deviceURL,
				AgentID:   cfg.agentID,
				APIKey:    cfg.deviceAPIKey,
			})
		}
	}
	registry := provider.NewRegistry(factories, provider.Gateway)

	// Suggestion backends
	suggestBackends := map[string]suggest.Client{}
	if cfg.suggestURL != "" {
		suggestBackends["http"] = suggest.NewHTTPClient(cfg.suggestURL, cfg.suggestAPIKey, cfg.suggestPoolSize)
	}
	if cfg.openaiAPIKey != "" {
		agentProvider := agents.NewOpenAIProvider(agents.OpenAIProviderParams{
			APIKey:       param.NewOpt(cfg.openaiAPIKey),
			BaseURL:      param.NewOpt(cfg.openaiBaseURL),
			UseResponses: param.NewOpt(false),
		})
		suggestBackends["agent"] = suggest.NewAgentClient(agentProvider, cfg.openaiModel, "", cfg.openaiMaxTokens)
	}
	var suggestClient suggest.Client
	if len(suggestBackends) > 0 {
		suggestClient = suggest.NewRouter(suggestBackends, cfg.suggestFallback)
		slog.Info("suggestions enabled", "fallback", cfg.suggestFallback)
	}

	// Post-call persistence
	var (
		store    *record.Store
		writer   *record.Writer
		workflow *postcall.Workflow
	)
	if cfg.databaseURL != "" && cfg.storageURL != "" {
		var err error
		store, err = record.Open(cfg.databaseURL)
		if err != nil {
			slog.Error("record store", "error", err)
			os.Exit(1)
		}
		writer = record.NewWriter(store)
		workflow = postcall.New(
			postcall.NewTelephonyDetailClient(cfg.gatewayURL, cfg.gatewayAPIKey, cfg.detailPoolSize),
			postcall.NewStorageRelocator(cfg.storageURL, cfg.storageAPIKey, cfg.storagePoolSize),
			store,
		).WithSettleDelay(cfg.settleDelay)
		slog.Info("persistence enabled")
	} else {
		slog.Warn("persistence disabled, DATABASE_URL or STORAGE_URL unset")
	}

	handler := ws.NewHandler(ws.HandlerConfig{
		Engine: engine.Config{
			Providers:       registry,
			Suggest:         suggestClient,
			StreamURL:       cfg.streamURL,
			StreamAPIKey:    cfg.streamAPIKey,
			StreamModel:     cfg.streamModel,
			Workflow:        workflow,
			Records:         writer,
			MonitorInterval: cfg.monitorInterval,
		},
		MaxConcurrent: cfg.maxConcurrentCalls,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		wsHandler: handler,
		store:     store,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
		writer.Close()
		if store != nil {
			if err := store.Close(); err != nil {
				slog.Warn("record store close", "error", err)
			}
		}
	}()

	slog.Info("call engine listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server", "error", err)
		os.Exit(1)
	}
}
