package main

import (
	"time"

	"github.com/dialhouse/callengine/internal/env"
)

type config struct {
	port string

	gatewayURL          string
	gatewayAPIKey       string
	gatewayPollInterval time.Duration
	deviceURL           string
	deviceAPIKey        string
	agentID             string

	streamURL    string
	streamAPIKey string
	streamModel  string

	suggestURL      string
	suggestAPIKey   string
	suggestPoolSize int
	suggestFallback string
	openaiAPIKey    string
	openaiBaseURL   string
	openaiModel     string
	openaiMaxTokens int

	databaseURL     string
	storageURL      string
	storageAPIKey   string
	detailPoolSize  int
	storagePoolSize int

	maxConcurrentCalls int
	monitorInterval    time.Duration
	settleDelay        time.Duration
}

func loadConfig() config {
	return config{
		port: env.Str("ENGINE_PORT", "8080"),

		gatewayURL:          env.Str("GATEWAY_URL", "http://localhost:9060"),
		gatewayAPIKey:       env.Str("GATEWAY_API_KEY", ""),
		gatewayPollInterval: env.Dur("GATEWAY_POLL_INTERVAL", time.Second),
		deviceURL:           env.Str("DEVICE_URL", ""),
		deviceAPIKey:        env.Str("DEVICE_API_KEY", ""),
		agentID:             env.Str("AGENT_ID", "default"),

		streamURL:    env.Str("STREAM_URL", ""),
		streamAPIKey: env.Str("STREAM_API_KEY", ""),
		streamModel:  env.Str("STREAM_MODEL", "phone_call"),

		suggestURL:      env.Str("SUGGEST_URL", ""),
		suggestAPIKey:   env.Str("SUGGEST_API_KEY", ""),
		suggestPoolSize: env.Int("SUGGEST_POOL_SIZE", 10),
		suggestFallback: env.Str("SUGGEST_BACKEND", "http"),
		openaiAPIKey:    env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:   env.Str("OPENAI_BASE_URL", ""),
		openaiModel:     env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		openaiMaxTokens: env.Int("OPENAI_MAX_TOKENS", 150),

		databaseURL:     env.Str("DATABASE_URL", ""),
		storageURL:      env.Str("STORAGE_URL", ""),
		storageAPIKey:   env.Str("STORAGE_API_KEY", ""),
		detailPoolSize:  env.Int("DETAIL_POOL_SIZE", 5),
		storagePoolSize: env.Int("STORAGE_POOL_SIZE", 5),

		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		monitorInterval:    env.Dur("MONITOR_INTERVAL", 100*time.Millisecond),
		settleDelay:        env.Dur("PERSIST_SETTLE_DELAY", 2*time.Second),
	}
}
