package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeAppender struct {
	mu      sync.Mutex
	batches [][]Event
	failN   int
}

func (f *fakeAppender) AppendBatch(_ context.Context, batch []Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("substrate unavailable")
	}
	cp := make([]Event, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeAppender) appended() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func testEvent(id string) Event {
	return Event{Stream: StreamTrust, Payload: map[string]any{"id": id}}
}

func TestRingBufferDropOldest(t *testing.T) {
	b := newRingBuffer(3)
	for i := 1; i <= 5; i++ {
		b.push(testEvent(fmt.Sprintf("e%d", i)))
	}

	if got := b.droppedCount(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	got := b.drain(0)
	want := []string{"e3", "e4", "e5"}
	if len(got) != len(want) {
		t.Fatalf("drained %d events, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Payload["id"] != want[i] {
			t.Errorf("event %d = %v, want %s", i, ev.Payload["id"], want[i])
		}
	}
}

func TestRingBufferPushFrontRespectsCapacity(t *testing.T) {
	b := newRingBuffer(3)
	b.push(testEvent("new1"))
	b.push(testEvent("new2"))

	b.pushFront([]Event{testEvent("old1"), testEvent("old2"), testEvent("old3")})

	got := b.drain(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// old3 is the newest of the requeued batch and is the one sacrificed.
	want := []string{"old1", "old2", "new1"}
	for i, ev := range got {
		if ev.Payload["id"] != want[i] {
			t.Errorf("event %d = %v, want %s", i, ev.Payload["id"], want[i])
		}
	}
	if b.droppedCount() == 0 {
		t.Error("expected requeue overflow to count as dropped")
	}
}

func TestPublisherFlushesOnCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	app := &fakeAppender{}
	p := NewPublisher(app, PublisherConfig{
		BufferSize:    100,
		BatchSize:     5,
		FlushInterval: time.Hour, // only capacity triggers
	}, discardLogger(), nil)
	p.Start()

	for i := 0; i < 5; i++ {
		p.Publish(testEvent(fmt.Sprintf("e%d", i)))
	}

	deadline := time.After(2 * time.Second)
	for len(app.appended()) < 5 {
		select {
		case <-deadline:
			t.Fatalf("flushed %d events before deadline, want 5", len(app.appended()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPublisherStopFlushesRemaining(t *testing.T) {
	defer goleak.VerifyNone(t)

	app := &fakeAppender{}
	p := NewPublisher(app, PublisherConfig{
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: time.Hour,
	}, discardLogger(), nil)
	p.Start()

	for i := 0; i < 7; i++ {
		p.Publish(testEvent(fmt.Sprintf("e%d", i)))
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := len(app.appended()); got != 7 {
		t.Fatalf("appended %d events after Stop, want 7", got)
	}
}

func TestPublisherRequeuesFailedBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	app := &fakeAppender{failN: 1}
	p := NewPublisher(app, PublisherConfig{
		BufferSize:    100,
		BatchSize:     3,
		FlushInterval: 10 * time.Millisecond,
	}, discardLogger(), nil)
	p.Start()

	for i := 0; i < 3; i++ {
		p.Publish(testEvent(fmt.Sprintf("e%d", i)))
	}

	// The first flush fails and requeues the batch; the next tick retries.
	deadline := time.After(2 * time.Second)
	for len(app.appended()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("flushed %d events before deadline, want 3", len(app.appended()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := app.appended()
	if len(got) != 3 {
		t.Fatalf("appended %d events, want 3", len(got))
	}
	for i, ev := range got {
		want := fmt.Sprintf("e%d", i)
		if ev.Payload["id"] != want {
			t.Errorf("event %d = %v, want %s", i, ev.Payload["id"], want)
		}
	}

	m := p.Metrics()
	if m.Failed != 3 {
		t.Errorf("Failed = %d, want 3", m.Failed)
	}
	if m.Flushed != 3 {
		t.Errorf("Flushed = %d, want 3", m.Flushed)
	}
}

func TestPublisherDoubleStopIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := NewPublisher(&fakeAppender{}, PublisherConfig{}, discardLogger(), nil)
	p.Start()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestPublishAfterStopIsDiscarded(t *testing.T) {
	defer goleak.VerifyNone(t)

	app := &fakeAppender{}
	p := NewPublisher(app, PublisherConfig{}, discardLogger(), nil)
	p.Start()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	p.Publish(testEvent("late"))

	m := p.Metrics()
	if m.Buffered != 0 {
		t.Errorf("Buffered = %d, want 0; nothing flushes after Stop", m.Buffered)
	}
	if m.Dropped != 1 {
		t.Errorf("Dropped = %d, want the late event counted", m.Dropped)
	}
	if got := len(app.appended()); got != 0 {
		t.Errorf("appended %d events, want 0", got)
	}
}

func TestEncodeFields(t *testing.T) {
	fields := encodeFields(map[string]any{
		"name":  "runner",
		"count": 3,
		"tags":  []string{"a", "b"},
	})
	if fields["name"] != "runner" {
		t.Errorf("name = %v", fields["name"])
	}
	if fields["count"] != "3" {
		t.Errorf("count = %v, want \"3\"", fields["count"])
	}
	if fields["tags"] != `["a","b"]` {
		t.Errorf("tags = %v", fields["tags"])
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
