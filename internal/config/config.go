package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"ChatPortal/internal/api"

	"github.com/joho/godotenv"
)

// Providers, used as the prefix of a model id ("ollama/llama3.2:latest")
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderGrok      = "grok"
	ProviderOpenAI    = "openai"
)

// Run modes
const (
	ModeServe = "serve"
	ModeREPL  = "repl"
)

// Config holds application configuration
type Config struct {
	Mode   string
	Debug  bool
	LogDir string

	// API server
	Addr          string        // Listen address, e.g. ":9000"
	DBPath        string        // sqlite file for users and the exchange log
	JWTSecret     string        // HS256 signing key
	TokenTTL      time.Duration // Lifetime of issued tokens
	RemoteAuthURL string        // Remote auth service probed before local validation
	RequireAuth   bool          // Reject RAG/chat calls without a valid bearer token
	CacheTTL      time.Duration // Completion cache lifetime, 0 disables
	CatalogPath   string        // Optional TOML model catalog
	OllamaHost    string        // Default Ollama base URL
	UI            bool          // Mount the browser front end at "/"

	// Front end
	APIURL   string // Base URL of the API the front end talks to
	Markdown bool   // Render answers as markdown instead of verbatim text

	Telemetry TelemetryConfig
}

// TelemetryConfig describes the service resource and export target
type TelemetryConfig struct {
	AppName      string
	Version      string
	Environment  string
	Region       string
	Team         string
	OTLPEndpoint string // When set, traces go to OTLP/HTTP instead of the rotated file
}

// Default returns a Config with the stock settings
func Default() Config {
	return Config{
		Mode:          ModeServe,
		LogDir:        "logs",
		Addr:          ":9000",
		DBPath:        "chatportal.db",
		JWTSecret:     "mock-secret-key-for-demo-only",
		TokenTTL:      time.Hour,
		RemoteAuthURL: "http://localhost:9000" + api.PathMockAuth,
		OllamaHost:    "http://localhost:11434",
		UI:            true,
		APIURL:        "http://localhost:9000",
		Telemetry: TelemetryConfig{
			AppName:     "chatportal",
			Version:     "1.0.0",
			Environment: "development",
		},
	}
}

// LoadEnv loads a .env file if one exists. A missing file is not an error.
func LoadEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv fills settings that are conventionally supplied by the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORTAL_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.OllamaHost = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("PORTAL_API_URL"); v != "" {
		c.APIURL = v
	}
}

// LocalURL returns the base URL a client on this host uses to reach a server
// listening on addr. Wildcard hosts become localhost.
func LocalURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// ResolveLocalURLs points the built-in front end and the remote auth probe at
// this server's own listen address in serve mode. explicit holds the names of
// flags set on the command line; those, and an API URL from PORTAL_API_URL,
// are left alone.
func (c *Config) ResolveLocalURLs(explicit map[string]bool) {
	if c.Mode != ModeServe {
		return
	}
	base := LocalURL(c.Addr)
	if !explicit["api-url"] && os.Getenv("PORTAL_API_URL") == "" {
		c.APIURL = base
	}
	if !explicit["remote-auth-url"] {
		c.RemoteAuthURL = base + api.PathMockAuth
	}
}

// Validate checks the settings that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServe, ModeREPL:
	default:
		return fmt.Errorf("unknown mode: %s", c.Mode)
	}
	if c.Mode == ModeServe {
		if c.Addr == "" {
			return fmt.Errorf("listen address is required")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("jwt secret is required")
		}
		if c.TokenTTL <= 0 {
			return fmt.Errorf("token ttl must be positive")
		}
	}
	if c.Mode == ModeREPL && c.APIURL == "" {
		return fmt.Errorf("api url is required")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache ttl cannot be negative")
	}
	return nil
}
