// Package normalize runs the consumer-group worker that turns raw HL7 stream
// entries into validated events on the norm stream, routing every rejection
// to the DLQ under a stable reason tag. Delivery is at-least-once: a raw
// entry is acked only after all of its derived appends succeeded.
package normalize

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oncopulse/pulse/internal/platform/broker"
	"github.com/oncopulse/pulse/internal/platform/telemetry"
)

// Worker consumes the raw stream as one member of the normalizer group.
type Worker struct {
	broker   *broker.Client
	pipeline *telemetry.PipelineMetricsRecorder
	logger   zerolog.Logger

	// RawStream, NormStream, DLQStream are the three pipeline streams.
	RawStream  string
	NormStream string
	DLQStream  string
	// Group is the consumer group shared by normalizer replicas; Consumer
	// names this replica within it.
	Group    string
	Consumer string
	// NormMaxLen and DLQMaxLen bound the output streams (approximate trim).
	NormMaxLen int64
	DLQMaxLen  int64
	// Count caps entries per read; Block is the read's block timeout.
	Count int64
	Block time.Duration
}

// NewWorker creates a worker with default stream settings. Pass a nil
// pipeline recorder to skip metrics.
func NewWorker(br *broker.Client, pipeline *telemetry.PipelineMetricsRecorder, logger zerolog.Logger) *Worker {
	return &Worker{
		broker:     br,
		pipeline:   pipeline,
		logger:     logger.With().Str("component", "normalize").Logger(),
		RawStream:  "hl7:raw",
		NormStream: "hl7:norm",
		DLQStream:  "hl7:dlq",
		Group:      "normgrp",
		Consumer:   "norm-1",
		NormMaxLen: 100000,
		DLQMaxLen:  50000,
		Count:      256,
		Block:      time.Second,
	}
}

// Start runs the consume loop. It blocks until ctx is cancelled and never
// stops on its own; broker failures are logged and retried.
func (w *Worker) Start(ctx context.Context) {
	if err := w.broker.CreateGroup(ctx, w.RawStream, w.Group); err != nil {
		w.logger.Error().Err(err).Msg("consumer group create failed")
	} else {
		w.logger.Info().Str("stream", w.RawStream).Str("group", w.Group).Str("consumer", w.Consumer).Msg("consumer group ready")
	}

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := w.broker.ReadGroup(ctx, w.RawStream, w.Group, w.Consumer, w.Count, w.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("raw stream read failed")
			if strings.Contains(err.Error(), "NOGROUP") {
				if gerr := w.broker.CreateGroup(ctx, w.RawStream, w.Group); gerr != nil {
					w.logger.Error().Err(gerr).Msg("consumer group recreate failed")
				}
			}
			if !w.sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		processed := 0
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if w.process(ctx, entry) {
				processed++
			}
		}
		if processed > 0 {
			w.logger.Info().Int("messages", processed).Msg("normalized batch")
		}
	}
}

// process handles one raw entry end to end. It returns true when the entry
// produced at least one norm event and every append and the ack succeeded.
// On any append failure the entry is left unacked so the group redelivers it.
func (w *Worker) process(ctx context.Context, entry broker.Entry) bool {
	payload := extractRaw(entry.Fields)
	events, rejects := transform(payload, ingestMS(entry.ID))

	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			w.logger.Error().Err(err).Str("raw_id", entry.ID).Msg("event encode failed")
			return false
		}
		if _, err := w.broker.Append(ctx, w.NormStream, map[string]string{"e": string(body)}, w.NormMaxLen); err != nil {
			w.logger.Error().Err(err).Str("raw_id", entry.ID).Msg("norm append failed, leaving entry for redelivery")
			return false
		}
	}
	if len(events) > 0 && w.pipeline != nil {
		w.pipeline.Normalized(len(events))
	}

	for _, rj := range rejects {
		fields := map[string]string{
			"m":      payload,
			"reason": rj.reason,
			"raw_id": entry.ID,
			"source": "hl7",
			"err":    rj.err,
		}
		if _, err := w.broker.Append(ctx, w.DLQStream, fields, w.DLQMaxLen); err != nil {
			w.logger.Error().Err(err).Str("raw_id", entry.ID).Msg("dlq append failed, leaving entry for redelivery")
			return false
		}
		if w.pipeline != nil {
			w.pipeline.DeadLettered(rj.reason)
		}
		w.logger.Debug().Str("reason", rj.reason).Str("raw_id", entry.ID).Msg("dead-lettered")
	}

	if err := w.broker.Ack(ctx, w.RawStream, w.Group, entry.ID); err != nil {
		w.logger.Error().Err(err).Str("raw_id", entry.ID).Msg("ack failed")
		return false
	}
	return len(events) > 0
}

// ingestMS recovers the append time from a broker entry id (ms-timestamp
// prefix). Unparseable ids fall back to the current clock.
func ingestMS(id string) int64 {
	if ms, _, found := strings.Cut(id, "-"); found {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return time.Now().UnixMilli()
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
