// Package ingest runs the raw-side worker of the HL7 pipeline: it polls the
// upstream feed, resolves a message body for each returned item, and appends
// one bounded stream entry per message to the broker's raw stream.
package ingest

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/oncopulse/pulse/internal/platform/broker"
	"github.com/oncopulse/pulse/internal/platform/hl7feed"
	"github.com/oncopulse/pulse/internal/platform/telemetry"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// passthroughKeys are the envelope fields preserved from dict-shaped feed
// items alongside the resolved message body.
var passthroughKeys = []string{"id", "source", "timestamp", "raw_message", "raw"}

// Worker polls the HL7 feed and appends raw messages to the stream. It never
// stops on its own; feed failures back off exponentially with jitter and Start
// returns only when the context is cancelled.
type Worker struct {
	feed     *hl7feed.Client
	broker   *broker.Client
	pipeline *telemetry.PipelineMetricsRecorder
	logger   zerolog.Logger

	// Stream is the raw stream entries are appended to.
	Stream string
	// MaxLen bounds the raw stream, trimmed with approximate semantics.
	MaxLen int64
	// Batch caps how many feed items are published per poll.
	Batch int
	// PollInterval is the pause between successful polls.
	PollInterval time.Duration
}

// NewWorker creates a worker with default stream settings. Pass a nil pipeline
// recorder to skip metrics.
func NewWorker(feed *hl7feed.Client, br *broker.Client, pipeline *telemetry.PipelineMetricsRecorder, logger zerolog.Logger) *Worker {
	return &Worker{
		feed:         feed,
		broker:       br,
		pipeline:     pipeline,
		logger:       logger.With().Str("component", "ingest").Logger(),
		Stream:       "hl7:raw",
		MaxLen:       5000,
		Batch:        100,
		PollInterval: 500 * time.Millisecond,
	}
}

// Start runs the poll loop. It blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		items, err := w.feed.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("feed poll failed")
			delay := backoff + time.Duration(rand.Float64()*float64(time.Second))
			if delay > maxBackoff {
				delay = maxBackoff
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			if !w.sleep(ctx, delay) {
				return
			}
			continue
		}

		if len(items) > 0 {
			if len(items) > w.Batch {
				items = items[:w.Batch]
			}
			published, err := w.publish(ctx, items)
			if published > 0 && w.pipeline != nil {
				w.pipeline.Ingested(published)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error().Err(err).Int("published", published).Msg("raw append failed")
				if !w.sleep(ctx, time.Second) {
					return
				}
				continue
			}
			if published > 0 {
				w.logger.Debug().Int("count", published).Msg("published raw batch")
			}
			backoff = initialBackoff
		}

		if !w.sleep(ctx, w.PollInterval) {
			return
		}
	}
}

// publish appends one stream entry per item with a resolvable body. It stops
// at the first append failure and reports how many entries made it in; the
// remainder of the batch is dropped and picked up again on a later poll.
func (w *Worker) publish(ctx context.Context, items []hl7feed.Item) (int, error) {
	published := 0
	for _, item := range items {
		fields := streamFields(item)
		if fields == nil {
			continue
		}
		if _, err := w.broker.Append(ctx, w.Stream, fields, w.MaxLen); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// streamFields builds the stream entry for one feed item: the resolved body
// under "message" plus any envelope fields the item carried. It returns nil
// when no body can be resolved; such items are skipped silently.
func streamFields(item hl7feed.Item) map[string]string {
	body := item.Body()
	if body == "" {
		return nil
	}
	fields := map[string]string{"message": body}
	if item.IsDict() {
		for _, k := range passthroughKeys {
			if v, ok := item.StringField(k); ok {
				fields[k] = v
			}
		}
	}
	return fields
}

// sleep pauses for d unless the context is cancelled first. It reports
// whether the full pause elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
