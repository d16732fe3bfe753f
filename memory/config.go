package memory

import (
	"os"
	"strconv"
	"time"
)

// Config holds TieredStore tuning knobs.
type Config struct {
	// EmbedTimeout bounds each embedder call so a slow embedding service
	// cannot stall a create or query. 0 disables the timeout.
	EmbedTimeout time.Duration

	// StoreTimeout bounds each repository call. 0 disables the timeout.
	StoreTimeout time.Duration

	// DefaultQueryLimit applies when Filter.Limit is 0.
	DefaultQueryLimit int

	// MaxPendingOps caps the offline pending log. Creates beyond the cap
	// fail with ErrPendingLogFull. 0 means unbounded.
	MaxPendingOps int

	// MaxReplayAttempts is how many reconciliation passes may fail for one
	// operation before it is dropped. 0 means retry forever.
	MaxReplayAttempts int

	// ShortTermTTL and MediumTermTTL derive the default expiry for records
	// whose retention class expires. Long-term records never expire unless
	// the caller sets ExpiresAt explicitly.
	ShortTermTTL  time.Duration
	MediumTermTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EmbedTimeout:      15 * time.Second,
		StoreTimeout:      10 * time.Second,
		DefaultQueryLimit: 50,
		MaxPendingOps:     1000,
		MaxReplayAttempts: 5,
		ShortTermTTL:      24 * time.Hour,
		MediumTermTTL:     30 * 24 * time.Hour,
	}
}

// ConfigFromEnv builds a Config from RECALL_* environment variables,
// falling back to defaults for anything unset:
//
//	RECALL_EMBED_TIMEOUT / RECALL_STORE_TIMEOUT  (Go durations)
//	RECALL_QUERY_LIMIT                           (int)
//	RECALL_MAX_PENDING / RECALL_MAX_REPLAY       (int)
//	RECALL_SHORT_TTL / RECALL_MEDIUM_TTL         (Go durations)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if d, ok := envDuration("RECALL_EMBED_TIMEOUT"); ok {
		cfg.EmbedTimeout = d
	}
	if d, ok := envDuration("RECALL_STORE_TIMEOUT"); ok {
		cfg.StoreTimeout = d
	}
	if n, ok := envInt("RECALL_QUERY_LIMIT"); ok {
		cfg.DefaultQueryLimit = n
	}
	if n, ok := envInt("RECALL_MAX_PENDING"); ok {
		cfg.MaxPendingOps = n
	}
	if n, ok := envInt("RECALL_MAX_REPLAY"); ok {
		cfg.MaxReplayAttempts = n
	}
	if d, ok := envDuration("RECALL_SHORT_TTL"); ok {
		cfg.ShortTermTTL = d
	}
	if d, ok := envDuration("RECALL_MEDIUM_TTL"); ok {
		cfg.MediumTermTTL = d
	}
	return cfg
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
