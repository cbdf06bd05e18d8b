// Package agion is the embedded governance SDK. It keeps policy
// enforcement local to the agent process: policies are evaluated
// in-process against a synchronized snapshot, events are buffered and
// flushed in the background, and governance calls that must leave the
// process fail safe.
package agion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/agion-ai/agion-sdk-go/events"
	"github.com/agion-ai/agion-sdk-go/gateway"
	"github.com/agion-ai/agion-sdk-go/policy"
	"github.com/agion-ai/agion-sdk-go/policysync"
	"github.com/agion-ai/agion-sdk-go/streamrpc"
	"github.com/agion-ai/agion-sdk-go/telemetry"
)

// Version is the SDK version reported at agent registration.
const Version = "1.0.0"

// Client is the governance SDK entry point. Construct with New, call
// Start before use, and Close on shutdown. All methods are safe for
// concurrent use.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *telemetry.Metrics
	instanceID string

	engine *policy.Engine
	gw     *gateway.Client

	mu        sync.RWMutex
	started   bool
	closed    bool
	rdb       *redis.Client
	publisher *events.Publisher
	rpc       *streamrpc.Client
	sync      *policysync.Synchronizer
}

// New builds a Client from cfg. Configuration errors are returned here
// and nowhere else; a constructed Client does not fail on bad config
// later.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "agion", "agent_id", cfg.AgentID)

	if c.registerer == nil {
		c.registerer = prometheus.NewRegistry()
	}
	c.metrics = telemetry.NewMetrics(c.registerer)

	if c.instanceID == "" {
		raw := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		c.instanceID = cfg.AgentID + "-" + raw
	}

	engine, err := policy.NewEngine(c.logger)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	c.engine = engine

	if cfg.GatewayURL != "" {
		c.gw = gateway.NewClient(gateway.Config{
			BaseURL:     cfg.GatewayURL,
			APIKey:      cfg.APIKey,
			Timeout:     cfg.HTTPTimeout,
			TTLApproved: cfg.PermissionTTLApproved,
			TTLDenied:   cfg.PermissionTTLDenied,
			CacheSize:   cfg.PermissionCacheSize,
		}, c.logger, c.metrics)
	}

	return c, nil
}

// Start connects to the log substrate and launches the background
// workers: event publisher, RPC listener, and policy synchronizer. A
// missing or unreachable substrate degrades the SDK rather than
// failing it; only a second Start after Close errors.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}

	if c.cfg.RedisURL != "" {
		opt, err := redis.ParseURL(c.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("%w: redis url: %v", ErrConfiguration, err)
		}
		c.rdb = redis.NewClient(opt)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := c.rdb.Ping(pingCtx).Err(); err != nil {
			// Degraded mode: stream operations fall back to their
			// fail-safe defaults until the substrate recovers.
			c.logger.Warn("log substrate unreachable at startup", "error", err)
		}
		cancel()

		c.publisher = events.NewPublisher(
			events.NewRedisAppender(c.rdb),
			events.PublisherConfig{
				BufferSize:    c.cfg.EventBufferSize,
				BatchSize:     c.cfg.EventBatchSize,
				FlushInterval: c.cfg.FlushInterval,
			}, c.logger, c.metrics)
		c.publisher.Start()

		c.rpc = streamrpc.NewClient(c.rdb, c.instanceID,
			streamrpc.Config{RequestTimeout: c.cfg.RPCTimeout}, c.logger, c.metrics)
		if err := c.rpc.Start(ctx); err != nil {
			c.logger.Warn("governance rpc listener not started", "error", err)
		}
	}

	var fetcher policysync.Fetcher
	switch {
	case c.gw != nil:
		fetcher = c.gw
	case c.rpc != nil:
		fetcher = c.rpc
	}
	if fetcher != nil {
		var sub policysync.Subscriber
		if c.rdb != nil {
			sub = policysync.NewRedisSubscriber(c.rdb)
		}
		c.sync = policysync.NewSynchronizer(fetcher, c.engine, sub, policysync.Config{
			AgentID:      c.cfg.AgentID,
			SyncInterval: c.cfg.SyncInterval,
		}, c.logger, c.metrics)
		if err := c.sync.Start(ctx); err != nil {
			return fmt.Errorf("policy synchronizer: %w", err)
		}
	}

	if c.gw != nil {
		// Registration is best effort; governance learns about the
		// agent on the first successful call either way.
		if err := c.gw.RegisterAgent(ctx, gateway.AgentRegistration{
			AgentID: c.cfg.AgentID,
			Version: c.cfg.AgentVersion,
			Metadata: map[string]any{
				"sdk_version": Version,
				"instance_id": c.instanceID,
			},
		}); err != nil {
			c.logger.Warn("agent registration failed", "error", err)
		}
	}

	c.started = true
	c.logger.Info("governance sdk started", "instance_id", c.instanceID)
	return nil
}

// Close stops the synchronizer first so no refresh can race shutdown,
// flushes remaining events, then releases connections. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.sync != nil {
		if err := c.sync.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Stop(ctx); err != nil {
			c.logger.Warn("final event flush failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if c.rpc != nil {
		c.rpc.Close()
	}
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.gw != nil {
		c.gw.Close()
	}
	c.logger.Info("governance sdk stopped")
	return firstErr
}

// Evaluate runs the loaded policies against ec. Local only: no network
// calls, safe on the hot path.
func (c *Client) Evaluate(ctx context.Context, ec policy.EvaluationContext) (policy.Result, error) {
	if ec.AgentID == "" {
		ec.AgentID = c.cfg.AgentID
	}
	result, err := c.engine.Evaluate(ctx, ec)
	if result.Decision != "" {
		c.metrics.PolicyEvaluations.WithLabelValues(string(result.Decision)).Inc()
		c.metrics.PolicyEvalDuration.Observe(result.Latency.Seconds())
	}
	return result, err
}

// CheckPolicy evaluates action with optional metadata against the
// loaded policies.
func (c *Client) CheckPolicy(ctx context.Context, action string, metadata map[string]any) (policy.Result, error) {
	return c.Evaluate(ctx, policy.EvaluationContext{
		AgentID:  c.cfg.AgentID,
		Action:   action,
		Metadata: metadata,
	})
}

// CheckPermission asks the governance service for a decision over the
// log substrate. Unreachable governance yields a Defaulted denial with
// a nil error.
func (c *Client) CheckPermission(ctx context.Context, action string, resource map[string]any) (streamrpc.PermissionResult, error) {
	rpc, err := c.rpcClient()
	if err != nil {
		c.logger.Warn("permission check defaulted to deny", "action", action, "error", err)
		return streamrpc.PermissionResult{Allowed: false, Reason: err.Error(), Defaulted: true}, nil
	}
	return rpc.CheckPermission(ctx, c.cfg.AgentID, action, resource)
}

// ValidateResult submits an execution result for governance review.
// Unreachable governance flags the result for review.
func (c *Client) ValidateResult(ctx context.Context, executionID string, result map[string]any) (streamrpc.ValidationResult, error) {
	rpc, err := c.rpcClient()
	if err != nil {
		c.logger.Warn("result validation defaulted to flag_for_review", "execution_id", executionID, "error", err)
		return streamrpc.ValidationResult{
			Status:    streamrpc.ValidationFlagForReview,
			Feedback:  err.Error(),
			Defaulted: true,
		}, nil
	}
	return rpc.ValidateResult(ctx, c.cfg.AgentID, executionID, result)
}

// ReportExecution records a completed execution. Fire-and-forget.
func (c *Client) ReportExecution(ctx context.Context, report streamrpc.ExecutionReport) error {
	if report.AgentID == "" {
		report.AgentID = c.cfg.AgentID
	}
	rpc, err := c.rpcClient()
	if err != nil {
		return err
	}
	return rpc.ReportExecution(ctx, report)
}

// SubmitFeedback forwards user feedback for governance review.
func (c *Client) SubmitFeedback(ctx context.Context, executionID string, feedback map[string]any) error {
	rpc, err := c.rpcClient()
	if err != nil {
		return err
	}
	return rpc.SubmitFeedback(ctx, executionID, feedback)
}

// TrustScore returns this agent's trust score, or the platform default
// when none is recorded.
func (c *Client) TrustScore(ctx context.Context) (float64, error) {
	rpc, err := c.rpcClient()
	if err != nil {
		return streamrpc.DefaultTrustScore, err
	}
	return rpc.TrustScore(ctx, c.cfg.AgentID)
}

// PublishTrustEvent buffers a trust event for background delivery.
func (c *Client) PublishTrustEvent(ev events.TrustEvent) error {
	pub, err := c.pub()
	if err != nil {
		return err
	}
	if ev.AgentID == "" {
		ev.AgentID = c.cfg.AgentID
	}
	pub.PublishTrustEvent(ev)
	return nil
}

// PublishFeedback buffers user feedback for background delivery.
func (c *Client) PublishFeedback(fb events.UserFeedback) error {
	pub, err := c.pub()
	if err != nil {
		return err
	}
	pub.PublishFeedback(fb)
	return nil
}

// PublishLLMInteraction buffers an LLM call record for the audit trail.
func (c *Client) PublishLLMInteraction(li events.LLMInteraction) error {
	pub, err := c.pub()
	if err != nil {
		return err
	}
	if li.AgentID == "" {
		li.AgentID = c.cfg.AgentID
	}
	pub.PublishLLMInteraction(li)
	return nil
}

// JoinMission announces this agent's participation in a mission.
func (c *Client) JoinMission(missionID string, role string) error {
	pub, err := c.pub()
	if err != nil {
		return err
	}
	pub.PublishMissionEvent(missionID, events.TypeMissionJoined, map[string]any{
		"agent_id": c.cfg.AgentID,
		"role":     role,
	})
	return nil
}

// LeaveMission announces this agent's departure from a mission.
func (c *Client) LeaveMission(missionID string) error {
	pub, err := c.pub()
	if err != nil {
		return err
	}
	pub.PublishMissionEvent(missionID, events.TypeMissionLeft, map[string]any{
		"agent_id": c.cfg.AgentID,
	})
	return nil
}

// UpdateMissionState publishes a shared-state update for a mission.
func (c *Client) UpdateMissionState(missionID string, state map[string]any) error {
	pub, err := c.pub()
	if err != nil {
		return err
	}
	pub.PublishMissionEvent(missionID, events.TypeStateUpdated, map[string]any{
		"agent_id": c.cfg.AgentID,
		"state":    state,
	})
	return nil
}

// SendMissionMessage publishes a message on the mission's own stream.
func (c *Client) SendMissionMessage(msg events.MissionMessage) error {
	pub, err := c.pub()
	if err != nil {
		return err
	}
	if msg.FromParticipant == "" {
		msg.FromParticipant = c.cfg.AgentID
	}
	pub.PublishMissionMessage(msg)
	return nil
}

// Gateway exposes the governance HTTP API client, or nil when no
// gateway URL is configured.
func (c *Client) Gateway() *gateway.Client { return c.gw }

// Engine exposes the local policy engine.
func (c *Client) Engine() *policy.Engine { return c.engine }

// InstanceID returns this client's substrate identity.
func (c *Client) InstanceID() string { return c.instanceID }

func (c *Client) rpcClient() (*streamrpc.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if !c.started {
		return nil, ErrNotStarted
	}
	if c.rpc == nil {
		return nil, ErrNoSubstrate
	}
	return c.rpc, nil
}

func (c *Client) pub() (*events.Publisher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if !c.started {
		return nil, ErrNotStarted
	}
	if c.publisher == nil {
		return nil, ErrNoSubstrate
	}
	return c.publisher, nil
}

// Snapshot aggregates counters from every SDK component.
type Snapshot struct {
	Engine    policy.EngineMetrics
	Publisher events.PublisherMetrics
	Sync      policysync.Stats
	Cache     gateway.CacheStats
}

// Metrics returns a point-in-time snapshot of SDK counters.
func (c *Client) Metrics() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{Engine: c.engine.Metrics()}
	if c.publisher != nil {
		s.Publisher = c.publisher.Metrics()
	}
	if c.sync != nil {
		s.Sync = c.sync.Stats()
	}
	if c.gw != nil {
		s.Cache = c.gw.PermissionCacheStats()
	}
	return s
}
