// Package progress delivers pipeline lifecycle events to subscribers.
// Delivery is best-effort: a slow or failing subscriber never blocks the
// engine.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Stage names emitted by the engine.
const (
	StageBatchStarted   = "batch_started"
	StageBatchCompleted = "batch_completed"
	StageJobStarted     = "job_started"
	StageJobCompleted   = "job_completed"
	StageJobError       = "job_error"
	StageAngleStarted   = "angle_started"
	StageExtracting     = "extracting"
	StageCheckingRes    = "checking_resolution"
	StageCompressing    = "compressing"
	StageSkippingComp   = "skipping_compression"
	StageUploading      = "uploading"
	StageAngleCompleted = "angle_completed"
	StageAngleError     = "angle_error"
)

// Aggregate carries batch-wide counters on every event.
type Aggregate struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Event is one progress notification.
type Event struct {
	BatchID   string    `json:"batch_id"`
	JobID     string    `json:"job_id,omitempty"`
	AngleID   string    `json:"angle,omitempty"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Aggregate Aggregate `json:"aggregate"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink consumes progress events.
type Sink interface {
	Notify(evt Event)
	Close() error
}

// Broadcaster fans events out to multiple sinks through per-sink buffered
// queues. When a sink falls behind, events for it are dropped rather than
// stalling the caller.
type Broadcaster struct {
	queues []chan Event
	sinks  []Sink
	wg     sync.WaitGroup
	log    *slog.Logger

	mu      sync.Mutex
	dropped int
	closed  bool
}

const sinkQueueSize = 256

// NewBroadcaster starts one drain goroutine per sink.
func NewBroadcaster(sinks ...Sink) *Broadcaster {
	b := &Broadcaster{
		sinks: sinks,
		log:   slog.With("component", "progress"),
	}
	for _, s := range sinks {
		q := make(chan Event, sinkQueueSize)
		b.queues = append(b.queues, q)
		b.wg.Add(1)
		go func(s Sink, q chan Event) {
			defer b.wg.Done()
			for evt := range q {
				s.Notify(evt)
			}
		}(s, q)
	}
	return b
}

// Notify enqueues the event for every sink without blocking.
func (b *Broadcaster) Notify(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, q := range b.queues {
		select {
		case q <- evt:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many events were discarded due to slow sinks.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close drains the queues, closes every sink, and returns the first error.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	b.wg.Wait()

	var firstErr error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d := b.Dropped(); d > 0 {
		b.log.Warn("dropped progress events for slow subscribers", "count", d)
	}
	return firstErr
}

// ChannelSink exposes events as a channel for an in-process subscriber,
// such as the status API's live view.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

// Notify forwards the event, dropping it when the subscriber lags.
func (s *ChannelSink) Notify(evt Event) {
	select {
	case s.ch <- evt:
	default:
	}
}

// Events returns the subscriber channel. Closed by Close.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

func (s *ChannelSink) Close() error {
	close(s.ch)
	return nil
}

// HTTPSink POSTs each event as JSON to an external subscriber endpoint.
// Failures are logged and forgotten.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewHTTPSink creates a sink posting to endpoint.
func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      slog.With("component", "progress", "sink", "http"),
	}
}

func (s *HTTPSink) Notify(evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("marshal event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		s.log.Warn("build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("post event", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("subscriber rejected event", "status", resp.StatusCode)
	}
}

func (s *HTTPSink) Close() error { return nil }
