package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agion-ai/agion-sdk-go/telemetry"
)

const (
	defaultBufferSize    = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = 100 * time.Millisecond

	// eventStreamMaxLen bounds each event stream with approximate trimming.
	eventStreamMaxLen = 50_000
)

// Appender writes a batch of events to the log substrate.
type Appender interface {
	AppendBatch(ctx context.Context, batch []Event) error
}

// redisAppender appends batches as stream entries via a single pipeline
// round trip.
type redisAppender struct {
	rdb redis.UniversalClient
}

// NewRedisAppender returns an Appender backed by Redis Streams.
func NewRedisAppender(rdb redis.UniversalClient) Appender {
	return &redisAppender{rdb: rdb}
}

func (a *redisAppender) AppendBatch(ctx context.Context, batch []Event) error {
	pipe := a.rdb.Pipeline()
	for _, ev := range batch {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: ev.Stream,
			MaxLen: eventStreamMaxLen,
			Approx: true,
			Values: encodeFields(ev.Payload),
		})
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return nil
}

// encodeFields flattens a payload into stream field values. Strings pass
// through; everything else is JSON-encoded.
func encodeFields(payload map[string]any) map[string]any {
	fields := make(map[string]any, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			fields[k] = val
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				fields[k] = fmt.Sprintf("%v", v)
				continue
			}
			fields[k] = string(raw)
		}
	}
	return fields
}

// PublisherConfig tunes the background publisher.
type PublisherConfig struct {
	// BufferSize caps the in-memory event buffer. When full, the oldest
	// events are dropped.
	BufferSize int
	// BatchSize is the maximum number of events flushed per round trip.
	BatchSize int
	// FlushInterval is the timer-driven flush period.
	FlushInterval time.Duration
}

func (c *PublisherConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
}

// Publisher buffers events in memory and flushes them to an Appender in
// batches. Publishing never blocks the caller: when the buffer is full
// the oldest events are dropped and counted.
type Publisher struct {
	appender Appender
	buffer   *ringBuffer
	cfg      PublisherConfig
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	published uint64
	flushed   uint64
	failed    uint64
	discarded uint64
}

// NewPublisher creates a Publisher. metrics may be nil.
func NewPublisher(appender Appender, cfg PublisherConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Publisher {
	cfg.applyDefaults()
	return &Publisher{
		appender: appender,
		buffer:   newRingBuffer(cfg.BufferSize),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.flushLoop()
}

// Stop flushes remaining events synchronously and stops the loop.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	// Final drain after the loop has exited.
	for p.buffer.len() > 0 {
		if err := p.flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Publish enqueues ev without blocking. Events published after Stop are
// discarded and counted as dropped; nothing remains to flush them.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	if p.stopped {
		p.discarded++
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.EventsDropped.Inc()
		}
		return
	}
	p.published++
	p.mu.Unlock()

	dropped := p.buffer.push(ev)

	if p.metrics != nil {
		if dropped {
			p.metrics.EventsDropped.Inc()
		}
		p.metrics.EventBufferSize.Set(float64(p.buffer.len()))
	}
	if dropped && p.logger != nil {
		p.logger.Debug("event buffer full, dropped oldest", "stream", ev.Stream)
	}

	// Wake the loop early once a full batch has accumulated.
	if p.buffer.len() >= p.cfg.BatchSize {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
}

// PublishTrustEvent enqueues a trust event for the agent behavior stream.
func (p *Publisher) PublishTrustEvent(ev TrustEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.Publish(Event{Stream: StreamTrust, Payload: map[string]any{
		"agent_id":   ev.AgentID,
		"event_type": string(ev.Type),
		"severity":   string(ev.Severity),
		"impact":     ev.Impact,
		"confidence": ev.Confidence,
		"context":    ev.Context,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
	}})
}

// PublishFeedback enqueues user feedback on a completed execution.
func (p *Publisher) PublishFeedback(fb UserFeedback) {
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now().UTC()
	}
	payload := map[string]any{
		"execution_id":  fb.ExecutionID,
		"user_id":       fb.UserID,
		"feedback_type": fb.FeedbackType,
		"timestamp":     fb.Timestamp.Format(time.RFC3339Nano),
	}
	if fb.Rating != 0 {
		payload["rating"] = fb.Rating
	}
	if fb.Comment != "" {
		payload["comment"] = fb.Comment
	}
	p.Publish(Event{Stream: StreamFeedback, Payload: payload})
}

// PublishLLMInteraction enqueues a complete LLM call for the audit trail.
func (p *Publisher) PublishLLMInteraction(li LLMInteraction) {
	if li.Timestamp.IsZero() {
		li.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(li)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("drop unmarshalable llm interaction", "error", err)
		}
		return
	}
	p.Publish(Event{Stream: StreamLLMInteractions, Payload: map[string]any{
		"interaction": string(raw),
	}})
}

// PublishMissionEvent enqueues a mission lifecycle event.
func (p *Publisher) PublishMissionEvent(missionID string, typ Type, data map[string]any) {
	p.Publish(Event{Stream: StreamMissions, Payload: map[string]any{
		"mission_id": missionID,
		"event_type": string(typ),
		"data":       data,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

// PublishMissionMessage enqueues a message on the mission's own stream.
func (p *Publisher) PublishMissionMessage(msg MissionMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	p.Publish(Event{Stream: MissionMessageStream(msg.MissionID), Payload: map[string]any{
		"mission_id":       msg.MissionID,
		"from_participant": msg.FromParticipant,
		"to_participant":   msg.ToParticipant,
		"message_type":     msg.MessageType,
		"content":          msg.Content,
		"timestamp":        msg.Timestamp.Format(time.RFC3339Nano),
	}})
}

func (p *Publisher) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-p.flushCh:
		}
		// Drain everything buffered so far, one batch per round trip.
		// A failed batch has been requeued; stop and wait for the next
		// trigger rather than spinning against a down substrate.
		for p.buffer.len() > 0 {
			if err := p.flush(context.Background()); err != nil {
				if p.logger != nil {
					p.logger.Warn("event flush failed", "error", err)
				}
				break
			}
		}
	}
}

// flush drains one batch and appends it. On failure the batch is requeued
// at the front of the buffer, subject to the buffer's capacity.
func (p *Publisher) flush(ctx context.Context) error {
	batch := p.buffer.drain(p.cfg.BatchSize)
	if len(batch) == 0 {
		return nil
	}

	err := p.appender.AppendBatch(ctx, batch)

	p.mu.Lock()
	if err != nil {
		p.failed += uint64(len(batch))
	} else {
		p.flushed += uint64(len(batch))
	}
	p.mu.Unlock()

	if p.metrics != nil {
		if err != nil {
			p.metrics.EventsFailed.Add(float64(len(batch)))
		} else {
			p.metrics.EventsPublished.Add(float64(len(batch)))
		}
		p.metrics.EventBufferSize.Set(float64(p.buffer.len()))
	}

	if err != nil {
		p.buffer.pushFront(batch)
		return err
	}
	return nil
}

// PublisherMetrics is a point-in-time snapshot of publisher counters.
type PublisherMetrics struct {
	Published uint64
	Flushed   uint64
	Failed    uint64
	Dropped   uint64
	Buffered  int
}

// Metrics returns a snapshot of the publisher's counters.
func (p *Publisher) Metrics() PublisherMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublisherMetrics{
		Published: p.published,
		Flushed:   p.flushed,
		Failed:    p.failed,
		Dropped:   p.buffer.droppedCount() + p.discarded,
		Buffered:  p.buffer.len(),
	}
}
