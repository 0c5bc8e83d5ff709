// Package config loads the transport's runtime configuration from the
// environment. Defaults are carried in the struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the runtime settings consumed by the SSE transport.
type Config struct {
	// ListenAddr is the address the HTTP server binds to. ENV: MCP_LISTEN_ADDR
	ListenAddr string `env:"MCP_LISTEN_ADDR,default=:8080"`

	// BaseURL is the externally visible base URL, used when building the
	// message endpoint advertised on the stream. ENV: MCP_BASE_URL
	BaseURL string `env:"MCP_BASE_URL"`

	// SSEEndpoint is the path clients open the event stream on. ENV: MCP_SSE_ENDPOINT
	SSEEndpoint string `env:"MCP_SSE_ENDPOINT,default=/sse"`

	// MessageEndpoint is the path JSON-RPC messages are posted to. ENV: MCP_MESSAGE_ENDPOINT
	MessageEndpoint string `env:"MCP_MESSAGE_ENDPOINT,default=/message"`

	// SessionTTL bounds how long a registry entry stays valid. ENV: MCP_SESSION_TTL
	SessionTTL time.Duration `env:"MCP_SESSION_TTL,default=24h"`

	// ReaperInterval is how often expired registry entries are swept. ENV: MCP_REAPER_INTERVAL
	ReaperInterval time.Duration `env:"MCP_REAPER_INTERVAL,default=1h"`

	// InitTimeout is how long a session may sit un-initialized before the
	// diagnostic timeout fires. ENV: MCP_INIT_TIMEOUT
	InitTimeout time.Duration `env:"MCP_INIT_TIMEOUT,default=30s"`

	// EventBufferSize is the per-session outbound event queue depth. ENV: MCP_EVENT_BUFFER
	EventBufferSize int `env:"MCP_EVENT_BUFFER,default=100"`
}

// Load populates a Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config from env: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no environment overrides apply.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		SSEEndpoint:     "/sse",
		MessageEndpoint: "/message",
		SessionTTL:      24 * time.Hour,
		ReaperInterval:  time.Hour,
		InitTimeout:     30 * time.Second,
		EventBufferSize: 100,
	}
}
