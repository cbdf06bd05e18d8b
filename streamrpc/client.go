package streamrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agion-ai/agion-sdk-go/policy"
	"github.com/agion-ai/agion-sdk-go/telemetry"
)

const (
	defaultRequestTimeout = 5 * time.Second
	readBlock             = 100 * time.Millisecond
	readCount             = 10
)

// ErrTimeout is returned when the governance service does not respond
// within the request timeout.
var ErrTimeout = errors.New("governance request timed out")

// ErrClosed is returned for requests issued after Close.
var ErrClosed = errors.New("streamrpc client closed")

// streamCommands is the slice of the Redis API the client uses.
// *redis.Client and redis.UniversalClient satisfy it.
type streamCommands interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type response struct {
	success bool
	payload map[string]any
	errMsg  string
}

// Config tunes the RPC client.
type Config struct {
	// RequestTimeout bounds each request/response round trip.
	RequestTimeout time.Duration
}

// Client issues governance requests over the shared request stream and
// receives responses on an instance-scoped stream via a consumer group.
// Every received record is acknowledged, matched or not, so stale
// responses from earlier runs cannot pile up as pending entries.
type Client struct {
	rdb            streamCommands
	instanceID     string
	responseStream string
	group          string
	consumer       string
	cfg            Config
	logger         *slog.Logger
	metrics        *telemetry.Metrics

	mu      sync.Mutex
	pending map[string]chan response
	started bool
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a Client for one SDK instance. metrics may be nil.
func NewClient(rdb streamCommands, instanceID string, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Client{
		rdb:            rdb,
		instanceID:     instanceID,
		responseStream: responseStreamPrefix + instanceID,
		group:          instanceID,
		consumer:       instanceID + "-consumer",
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		pending:        make(map[string]chan response),
		stopCh:         make(chan struct{}),
	}
}

// Start creates the response consumer group and launches the listener.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if c.closed {
		return ErrClosed
	}

	err := c.rdb.XGroupCreateMkStream(ctx, c.responseStream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	c.started = true
	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Close stops the listener and fails all in-flight requests.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	close(c.stopCh)
	if started {
		c.wg.Wait()
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// correlationID builds a globally unique request identifier that routes
// the response back to this instance.
func (c *Client) correlationID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s:%s:%d", c.instanceID, raw, time.Now().UnixMilli())
}

// request sends one governance request and waits for the correlated
// response.
func (c *Client) request(ctx context.Context, reqType string, payload any) (map[string]any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.correlationID()
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	start := time.Now()
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: requestStream,
		MaxLen: requestStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"request_id":  id,
			"instance_id": c.instanceID,
			"type":        reqType,
			"payload":     string(raw),
			"timestamp":   strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		c.observe(reqType, "send_error", start)
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			c.observe(reqType, "closed", start)
			return nil, ErrClosed
		}
		if !resp.success {
			c.observe(reqType, "error", start)
			return nil, fmt.Errorf("governance error: %s", resp.errMsg)
		}
		c.observe(reqType, "ok", start)
		return resp.payload, nil
	case <-timer.C:
		c.observe(reqType, "timeout", start)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.observe(reqType, "canceled", start)
		return nil, ctx.Err()
	}
}

func (c *Client) observe(reqType, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RPCRequests.WithLabelValues(reqType, outcome).Inc()
	c.metrics.RPCDuration.WithLabelValues(reqType).Observe(time.Since(start).Seconds())
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.responseStream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			select {
			case <-c.stopCh:
				return
			default:
			}
			if c.logger != nil {
				c.logger.Warn("response read failed", "error", err)
			}
			time.Sleep(readBlock)
			continue
		}

		for _, s := range streams {
			ids := make([]string, 0, len(s.Messages))
			for _, msg := range s.Messages {
				ids = append(ids, msg.ID)
				c.deliver(msg)
			}
			// Ack everything read, including responses no longer
			// awaited; otherwise orphans accumulate as pending.
			if len(ids) > 0 {
				if err := c.rdb.XAck(ctx, c.responseStream, c.group, ids...).Err(); err != nil && c.logger != nil {
					c.logger.Warn("ack failed", "error", err, "count", len(ids))
				}
			}
		}
	}
}

func (c *Client) deliver(msg redis.XMessage) {
	id, _ := msg.Values["request_id"].(string)
	if id == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		// Late response after the waiter timed out.
		return
	}

	resp := response{success: true}
	if v, ok := msg.Values["success"].(string); ok && v == "false" {
		resp.success = false
	}
	if v, ok := msg.Values["error"].(string); ok {
		resp.errMsg = v
	}
	if v, ok := msg.Values["payload"].(string); ok && v != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(v), &payload); err == nil {
			resp.payload = payload
		} else if c.logger != nil {
			c.logger.Warn("malformed response payload", "request_id", id, "error", err)
		}
	}

	select {
	case ch <- resp:
	default:
	}
}

// CheckPermission asks the governance service whether the agent may
// perform action. If the service is unreachable or the request times
// out, the result is a denial marked Defaulted; the transport failure
// is logged and counted, never returned, so callers cannot mistake an
// outage for a crash.
func (c *Client) CheckPermission(ctx context.Context, agentID, action string, resource map[string]any) (PermissionResult, error) {
	start := time.Now()
	payload, err := c.request(ctx, typePermissionCheck, map[string]any{
		"agent_id": agentID,
		"action":   action,
		"resource": resource,
	})
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("permission check defaulted to deny",
				"agent_id", agentID, "action", action, "error", err)
		}
		return PermissionResult{
			Allowed:   false,
			Reason:    "governance unavailable: " + err.Error(),
			Defaulted: true,
			Latency:   time.Since(start),
		}, nil
	}

	result := PermissionResult{Latency: time.Since(start)}
	if v, ok := payload["allowed"].(bool); ok {
		result.Allowed = v
	}
	if v, ok := payload["reason"].(string); ok {
		result.Reason = v
	}
	if v, ok := payload["policy_id"].(string); ok {
		result.PolicyID = v
	}
	return result, nil
}

// ValidateResult submits an execution result for governance review. If
// the service is unreachable or the request times out, the status is
// ValidationFlagForReview marked Defaulted; the transport failure is
// logged and counted, never returned.
func (c *Client) ValidateResult(ctx context.Context, agentID, executionID string, result map[string]any) (ValidationResult, error) {
	start := time.Now()
	payload, err := c.request(ctx, typeResultValidation, map[string]any{
		"agent_id":     agentID,
		"execution_id": executionID,
		"result":       result,
	})
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("result validation defaulted to flag_for_review",
				"agent_id", agentID, "execution_id", executionID, "error", err)
		}
		return ValidationResult{
			Status:    ValidationFlagForReview,
			Feedback:  "governance unavailable: " + err.Error(),
			Defaulted: true,
			Latency:   time.Since(start),
		}, nil
	}

	vr := ValidationResult{Status: ValidationFlagForReview, Latency: time.Since(start)}
	if v, ok := payload["status"].(string); ok && v != "" {
		vr.Status = ValidationStatus(v)
	}
	if v, ok := payload["feedback"].(string); ok {
		vr.Feedback = v
	}
	if v, ok := payload["score"].(float64); ok {
		vr.Score = v
	}
	return vr, nil
}

// FetchPolicies requests the agent's current policy set over the stream.
func (c *Client) FetchPolicies(ctx context.Context, agentID string) ([]policy.Rule, error) {
	payload, err := c.request(ctx, typePolicyQuery, map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload["policies"])
	if err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	var rules []policy.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	return rules, nil
}

// ReportExecution appends an execution report. Fire-and-forget: no
// response is awaited.
func (c *Client) ReportExecution(ctx context.Context, report ExecutionReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: executionStream,
		MaxLen: reportStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"execution_id": report.ExecutionID,
			"agent_id":     report.AgentID,
			"report":       string(raw),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("report execution: %w", err)
	}
	return nil
}

// SubmitFeedback appends user feedback for governance review.
// Fire-and-forget: no response is awaited.
func (c *Client) SubmitFeedback(ctx context.Context, executionID string, feedback map[string]any) error {
	raw, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: feedbackStream,
		MaxLen: reportStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"execution_id": executionID,
			"feedback":     string(raw),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("submit feedback: %w", err)
	}
	return nil
}

// TrustScore reads the agent's trust score. Agents without a recorded
// score get DefaultTrustScore.
func (c *Client) TrustScore(ctx context.Context, agentID string) (float64, error) {
	val, err := c.rdb.Get(ctx, "agent:"+agentID+":trust_score").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return DefaultTrustScore, nil
		}
		return DefaultTrustScore, fmt.Errorf("trust score: %w", err)
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return DefaultTrustScore, fmt.Errorf("trust score: parse %q: %w", val, err)
	}
	return score, nil
}

// AgentPolicySet reads the published rule set for an agent directly from
// its Redis key. Agents without a published set get an empty slice.
func (c *Client) AgentPolicySet(ctx context.Context, agentID string) ([]policy.Rule, error) {
	val, err := c.rdb.Get(ctx, "agent:"+agentID+":policies").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("agent policy set: %w", err)
	}
	var rules []policy.Rule
	if err := json.Unmarshal([]byte(val), &rules); err != nil {
		return nil, fmt.Errorf("agent policy set: decode: %w", err)
	}
	return rules, nil
}
