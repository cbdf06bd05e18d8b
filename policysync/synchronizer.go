// Package policysync keeps the local policy engine in step with the
// governance service, combining push notifications with interval polling.
package policysync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agion-ai/agion-sdk-go/policy"
	"github.com/agion-ai/agion-sdk-go/telemetry"
)

// UpdateChannel carries policy-change notifications. The payload is
// advisory; receipt always triggers a full refresh.
const UpdateChannel = "agion:policy:updates"

const defaultSyncInterval = 30 * time.Second

// State is the synchronizer lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Fetcher loads the agent's current policy set from the source of truth.
type Fetcher interface {
	FetchPolicies(ctx context.Context, agentID string) ([]policy.Rule, error)
}

// subscription is the part of *redis.PubSub the push loop needs.
type subscription interface {
	messages() <-chan *redis.Message
	Close() error
}

// Subscriber opens a pub/sub subscription on one channel.
type Subscriber interface {
	subscribe(ctx context.Context, channel string) (subscription, error)
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) messages() <-chan *redis.Message { return s.ps.Channel() }
func (s *redisSubscription) Close() error                    { return s.ps.Close() }

type redisSubscriber struct {
	rdb redis.UniversalClient
}

// NewRedisSubscriber returns a Subscriber backed by Redis Pub/Sub.
func NewRedisSubscriber(rdb redis.UniversalClient) Subscriber {
	return &redisSubscriber{rdb: rdb}
}

func (s *redisSubscriber) subscribe(ctx context.Context, channel string) (subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Confirm the subscription before relying on it.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps}, nil
}

// Config tunes the synchronizer.
type Config struct {
	// AgentID scopes the fetched policy set.
	AgentID string
	// SyncInterval is the poll period and the freshness window.
	SyncInterval time.Duration
	// Channel overrides the update notification channel.
	Channel string
}

// Synchronizer refreshes the policy engine from the governance service.
// A pub/sub notification triggers an immediate refresh; a poll ticker
// covers missed notifications. Fetch failures keep the last good
// snapshot loaded.
type Synchronizer struct {
	fetcher Fetcher
	engine  *policy.Engine
	sub     Subscriber
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	lastSync   time.Time
	syncCount  uint64
	syncErrors uint64
}

// NewSynchronizer creates a Synchronizer. sub may be nil for poll-only
// operation; metrics may be nil.
func NewSynchronizer(fetcher Fetcher, engine *policy.Engine, sub Subscriber, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Synchronizer {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.Channel == "" {
		cfg.Channel = UpdateChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		fetcher: fetcher,
		engine:  engine,
		sub:     sub,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	return State(s.state.Load())
}

// Start performs an initial refresh and launches the push and poll
// loops. Calling Start on a running synchronizer is a no-op.
func (s *Synchronizer) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return nil
	}

	// The first refresh is best effort: an unreachable service at
	// startup leaves the engine empty until a later sync succeeds.
	if err := s.refresh(ctx, "initial"); err != nil {
		s.logger.Warn("initial policy fetch failed, starting with empty set", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.pollLoop(runCtx)

	if s.sub != nil {
		s.wg.Add(1)
		go s.pushLoop(runCtx)
	}

	s.state.Store(int32(StateRunning))
	return nil
}

// Stop cancels both loops and waits for them to exit. After Stop
// returns, no further refresh touches the engine.
func (s *Synchronizer) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		// Only a drained WaitGroup may release the stopped state;
		// flipping it earlier would let Start race a live poll loop.
		s.state.Store(int32(StateStopped))
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Loops still draining; the state stays stopping until they do.
		return ctx.Err()
	}
}

func (s *Synchronizer) pushLoop(ctx context.Context) {
	defer s.wg.Done()

	sub, err := s.sub.subscribe(ctx, s.cfg.Channel)
	if err != nil {
		// Degrade to poll-only coverage.
		s.logger.Warn("policy update subscription failed, relying on polling", "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.messages():
			if !ok {
				s.logger.Warn("policy update channel closed, relying on polling")
				return
			}
			// The payload only signals that something changed.
			s.logger.Debug("policy update notification", "payload", msg.Payload)
			if err := s.refresh(ctx, "push"); err != nil {
				s.logger.Warn("policy refresh failed", "trigger", "push", "error", err)
			}
		}
	}
}

func (s *Synchronizer) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			fresh := time.Since(s.lastSync) < s.cfg.SyncInterval
			s.mu.Unlock()
			if fresh {
				// A push refresh already covered this window.
				continue
			}
			if err := s.refresh(ctx, "poll"); err != nil {
				s.logger.Warn("policy refresh failed", "trigger", "poll", "error", err)
			}
		}
	}
}

// Refresh forces an immediate policy reload.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.refresh(ctx, "manual")
}

func (s *Synchronizer) refresh(ctx context.Context, trigger string) error {
	rules, err := s.fetcher.FetchPolicies(ctx, s.cfg.AgentID)
	if err != nil {
		s.mu.Lock()
		s.syncErrors++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SyncErrors.Inc()
		}
		return err
	}

	s.engine.Load(rules)

	s.mu.Lock()
	s.lastSync = time.Now()
	s.syncCount++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SyncTotal.Inc()
	}

	s.logger.Debug("policies synchronized", "trigger", trigger, "rules", len(rules))
	return nil
}

// Stats is a point-in-time snapshot of synchronizer counters.
type Stats struct {
	State      State
	LastSync   time.Time
	SyncCount  uint64
	SyncErrors uint64
}

// Stats returns a snapshot of the synchronizer's counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:      s.State(),
		LastSync:   s.lastSync,
		SyncCount:  s.syncCount,
		SyncErrors: s.syncErrors,
	}
}
