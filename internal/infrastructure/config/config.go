package config

import (
	"fmt"
	"math"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Buffers   BufferConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"9009"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// BufferConfig holds shared-memory and central-buffer sizing. Page sizes are
// negotiated with producers at connection time; changing them does not affect
// already-connected producers.
type BufferConfig struct {
	// ArenaPageSize is the shared-memory page size in bytes. Must be a
	// positive multiple of ChunksPerPage and leave word-aligned chunks.
	ArenaPageSize int `envconfig:"ARENA_PAGE_SIZE" default:"4096"`

	// ChunksPerPage is how many chunks each shared-memory page is split into.
	ChunksPerPage int `envconfig:"SHM_CHUNKS_PER_PAGE" default:"8"`

	// TracePageSize is the central trace buffer page size in bytes. Every
	// buffer requested in a trace config must be a multiple of it.
	TracePageSize int `envconfig:"TRACE_PAGE_SIZE" default:"4096"`

	// MaxBuffers bounds the global buffer ID space. Buffer IDs are 16 bits
	// in the chunk header, so at most 65535.
	MaxBuffers uint32 `envconfig:"MAX_BUFFERS" default:"1024"`

	// DefaultShmSize is the shared-memory region size granted to producers
	// that connect without a size hint.
	DefaultShmSize int `envconfig:"DEFAULT_SHM_SIZE" default:"262144"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds admin API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects buffer sizing that the shared-memory layout cannot honor.
func (c *Config) Validate() error {
	b := c.Buffers
	if b.ArenaPageSize <= 0 || b.ChunksPerPage <= 0 {
		return fmt.Errorf("arena page size %d and chunks per page %d must be positive", b.ArenaPageSize, b.ChunksPerPage)
	}
	if b.ArenaPageSize%b.ChunksPerPage != 0 {
		return fmt.Errorf("arena page size %d is not a multiple of chunks per page %d", b.ArenaPageSize, b.ChunksPerPage)
	}
	chunkSize := b.ArenaPageSize / b.ChunksPerPage
	if chunkSize <= 16 || chunkSize%4 != 0 {
		return fmt.Errorf("chunk size %d must exceed the header and stay word aligned", chunkSize)
	}
	if b.TracePageSize <= 0 {
		return fmt.Errorf("trace page size %d must be positive", b.TracePageSize)
	}
	if b.MaxBuffers == 0 || b.MaxBuffers > math.MaxUint16 {
		// Buffer IDs are 16 bits in the chunk header.
		return fmt.Errorf("max buffers %d must be in [1, %d]", b.MaxBuffers, math.MaxUint16)
	}
	if b.DefaultShmSize <= 0 || b.DefaultShmSize%b.ArenaPageSize != 0 {
		return fmt.Errorf("default shm size %d is not a multiple of the arena page size %d", b.DefaultShmSize, b.ArenaPageSize)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "9009",
			Host: "0.0.0.0",
		},
		Buffers: BufferConfig{
			ArenaPageSize:  4096,
			ChunksPerPage:  8,
			TracePageSize:  4096,
			MaxBuffers:     1024,
			DefaultShmSize: 262144,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
