package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Supported values for GAME, TRANSPORT and OUTPUT_FORMAT.
const (
	GameCards = "cards"
	GameWords = "words"

	TransportSSE       = "sse"
	TransportWebSocket = "ws"

	OutputYAML = "yaml"
	OutputJSON = "json"
	OutputNone = "none"
)

// Config holds all environment-based configuration for roomsync.
type Config struct {
	// Base URL of the game server, e.g. http://localhost:5000.
	ServerURL string `env:"ROOMSYNC_SERVER_URL"`

	// Game profile: "cards" or "words". Selects the REST prefix, the
	// shared-area field and the default reconnect policy.
	Game string `env:"ROOMSYNC_GAME" envDefault:"cards"`

	// Push transport: "sse" (server-sent events) or "ws" (websocket).
	Transport string `env:"ROOMSYNC_TRANSPORT" envDefault:"sse"`

	// Room to join. When empty and no stored session can be resumed, a
	// new room is created.
	RoomID string `env:"ROOMSYNC_ROOM_ID"`

	// Display name sent on create/join.
	PlayerName string `env:"ROOMSYNC_PLAYER_NAME" envDefault:"Player"`

	// Resume a stored session identity instead of joining again.
	Resume bool `env:"ROOMSYNC_RESUME" envDefault:"true"`

	// Poll intervals. Zero selects the game profile default.
	PollOnlineInterval   time.Duration `env:"POLL_ONLINE_INTERVAL"`
	PollRecoveryInterval time.Duration `env:"POLL_RECOVERY_INTERVAL"`

	// Reconnect backoff. Zero selects the game profile default.
	ReconnectBase   time.Duration `env:"RECONNECT_BASE"`
	ReconnectFactor float64       `env:"RECONNECT_FACTOR"`
	ReconnectMax    time.Duration `env:"RECONNECT_MAX"`

	// Maximum number of dedup keys retained per session. Zero keeps
	// every key for the lifetime of the session.
	DedupCapacity int `env:"DEDUP_CAPACITY" envDefault:"0"`

	// Location of the session identity database. Defaults to
	// ~/.roomsync/state.db.
	StatePath string `env:"ROOMSYNC_STATE_PATH"`

	// How state changes are written to stdout: yaml, json or none.
	OutputFormat string `env:"OUTPUT_FORMAT" envDefault:"yaml"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Read-only MCP view of the live room mirror.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("ROOMSYNC_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ROOMSYNC_SERVER_URL must be an absolute http(s) URL")
	}

	switch c.Game {
	case GameCards, GameWords:
	default:
		return fmt.Errorf("ROOMSYNC_GAME must be %q or %q, got %q", GameCards, GameWords, c.Game)
	}

	switch c.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("ROOMSYNC_TRANSPORT must be %q or %q, got %q", TransportSSE, TransportWebSocket, c.Transport)
	}

	switch c.OutputFormat {
	case OutputYAML, OutputJSON, OutputNone:
	default:
		return fmt.Errorf("OUTPUT_FORMAT must be yaml, json or none, got %q", c.OutputFormat)
	}

	if c.PollOnlineInterval < 0 || c.PollRecoveryInterval < 0 {
		return fmt.Errorf("poll intervals must not be negative")
	}

	if c.ReconnectBase < 0 || c.ReconnectMax < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}

	if c.ReconnectFactor != 0 && c.ReconnectFactor < 1 {
		return fmt.Errorf("RECONNECT_FACTOR must be >= 1, got %v", c.ReconnectFactor)
	}

	if c.ReconnectBase > 0 && c.ReconnectMax > 0 && c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("RECONNECT_MAX (%s) must not be below RECONNECT_BASE (%s)", c.ReconnectMax, c.ReconnectBase)
	}

	if c.DedupCapacity < 0 {
		return fmt.Errorf("DEDUP_CAPACITY must not be negative")
	}

	return nil
}

// DefaultStatePath returns ~/.roomsync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".roomsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
