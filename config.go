package agion

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the SDK configuration. Zero-valued fields fall back to
// AGION_* environment variables, then to built-in defaults.
type Config struct {
	// AgentID identifies this agent to the governance platform.
	AgentID string `validate:"required"`
	// AgentVersion is reported at registration.
	AgentVersion string

	// GatewayURL is the governance HTTP API root.
	GatewayURL string `validate:"omitempty,url"`
	// APIKey authenticates calls to the governance API.
	APIKey string
	// RedisURL is the log substrate address, e.g. "redis://localhost:6379/0".
	// When empty, event publishing and stream RPC are disabled.
	RedisURL string

	// SyncInterval is the policy poll period.
	SyncInterval time.Duration
	// RPCTimeout bounds each governance stream request.
	RPCTimeout time.Duration
	// EventBufferSize caps the in-memory event buffer.
	EventBufferSize int
	// EventBatchSize is the maximum events flushed per round trip.
	EventBatchSize int
	// FlushInterval is the event flush period.
	FlushInterval time.Duration

	// PermissionTTLApproved is how long approvals are cached.
	PermissionTTLApproved time.Duration
	// PermissionTTLDenied is how long denials are cached.
	PermissionTTLDenied time.Duration
	// PermissionCacheSize caps the permission cache.
	PermissionCacheSize int

	// HTTPTimeout bounds each governance API round trip.
	HTTPTimeout time.Duration
}

const (
	defaultSyncInterval  = 30 * time.Second
	defaultRPCTimeout    = 5 * time.Second
	defaultFlushInterval = 100 * time.Millisecond
	defaultBufferSize    = 1000
	defaultBatchSize     = 100
)

// fillDefaults resolves unset fields from the environment, then from
// built-in defaults.
func (c *Config) fillDefaults() {
	if c.AgentID == "" {
		c.AgentID = os.Getenv("AGION_AGENT_ID")
	}
	if c.GatewayURL == "" {
		c.GatewayURL = os.Getenv("AGION_GATEWAY_URL")
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("AGION_API_KEY")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("AGION_REDIS_URL")
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = parseDurationEnv("AGION_SYNC_INTERVAL", defaultSyncInterval)
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = parseDurationEnv("AGION_RPC_TIMEOUT", defaultRPCTimeout)
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = parseDurationEnv("AGION_FLUSH_INTERVAL", defaultFlushInterval)
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = parseIntEnv("AGION_EVENT_BUFFER_SIZE", defaultBufferSize)
	}
	if c.EventBatchSize <= 0 {
		c.EventBatchSize = parseIntEnv("AGION_EVENT_BATCH_SIZE", defaultBatchSize)
	}
}

// validate checks the resolved configuration. Configuration errors are
// fatal at construction only; nothing later in the SDK re-validates.
func (c *Config) validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrConfiguration, f.Field(), f.Tag())
		}
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
