// Package caingest drives one partition of the analytics pipeline: decode
// events into schema records, buffer them per schema, and checkpoint when
// buffers flush or the checkpoint interval elapses.
package caingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/driftline/ingest/classify"
	"github.com/driftline/ingest/consumer"
	"github.com/driftline/ingest/schemasink"
)

// Schema keys of the analytics pipeline, fixed at construction.
const (
	SchemaLog          = "Log"
	SchemaInteractions = "Interactions"
)

// Config tunes the analytics pipeline. Zero values select the defaults.
type Config struct {
	// CheckpointInterval gates periodic flush-and-checkpoint. Default three
	// minutes.
	CheckpointInterval time.Duration
	// StatsEnabled appends a synthesized batch-stats record to the Log sink
	// after each of its flushes.
	StatsEnabled bool
	// BufferBytes is the per-schema buffer capacity. Default 4 MiB.
	BufferBytes int
	// Compress gzips flushed blobs.
	Compress      bool
	BaseContainer string

	LogSchemaID          uuid.UUID
	InteractionsSchemaID uuid.UUID
}

// NewFactory returns a ProcessorFactory building one analytics processor,
// with its own per-schema sinks, per owned partition. The accounts and
// notifier are shared across partitions.
func NewFactory(accounts []schemasink.BlobAccount, notifier *schemasink.Notifier, cfg Config) consumer.ProcessorFactory {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 3 * time.Minute
	}
	if cfg.BufferBytes <= 0 {
		cfg.BufferBytes = 4 << 20
	}
	return func(partition consumer.Partition) consumer.Processor {
		var sinkFor = func(schemaName string, schemaID uuid.UUID) *schemasink.Sink {
			return schemasink.New(schemasink.Config{
				SchemaName:    schemaName,
				SchemaID:      schemaID,
				BaseContainer: cfg.BaseContainer,
				Capacity:      cfg.BufferBytes,
				Compress:      cfg.Compress,
			}, accounts, notifier)
		}
		return &Processor{
			partition:       partition,
			coord:           consumer.NewCoordinator(partition.Checkpointer),
			cfg:             cfg,
			logSink:         sinkFor(SchemaLog, cfg.LogSchemaID),
			interactionSink: sinkFor(SchemaInteractions, cfg.InteractionsSchemaID),
		}
	}
}

// Processor owns the per-partition state of the analytics pipeline.
type Processor struct {
	partition consumer.Partition
	coord     *consumer.Coordinator
	cfg       Config

	logSink         *schemasink.Sink
	interactionSink *schemasink.Sink
	stats           batchStats
}

func (p *Processor) Open(ctx context.Context) error {
	log.WithField("partition", p.partition.ID).Info("opened analytics pipeline partition")
	return nil
}

func (p *Processor) Process(ctx context.Context, events []consumer.RawEvent) error {
	var anyFlushed bool
	for _, ev := range events {
		var flushed, err = p.processEvent(ctx, ev)
		if err != nil {
			return p.noteCancellation(err)
		}
		anyFlushed = anyFlushed || flushed
	}

	if anyFlushed || p.coord.Due(p.cfg.CheckpointInterval) {
		if err := p.flushAll(ctx); err != nil {
			return p.noteCancellation(err)
		}
		p.stats.reset()
		return p.coord.ForceCheckpoint(ctx)
	}
	return nil
}

// processEvent decodes one event and appends it to its schema sink,
// reporting whether the append triggered a flush. Events without an
// analytics schema, and events whose bodies don't deserialize, are dropped
// without failing the batch.
func (p *Processor) processEvent(ctx context.Context, ev consumer.RawEvent) (bool, error) {
	var eventType, err = classify.StringProperty(ev.Properties, classify.PropType)
	if err != nil {
		p.stats.observeError()
		decodeErrorsCounter.Inc()
		log.WithFields(log.Fields{
			"partition": p.partition.ID,
			"err":       err,
		}).Warn("dropping event with malformed type property")
		return false, nil
	}
	messageID, _ := classify.StringProperty(ev.Properties, classify.PropMessageID)
	if messageID == "" {
		messageID = uuid.NewString()
	}

	var record schemasink.Record
	var sink *schemasink.Sink
	var schemaName string
	var started = time.Now()
	switch eventType {
	case classify.TypeSerilog:
		var rec, derr = decodeLogRecord(ev.Body, messageID, ev.EnqueuedAt)
		if derr != nil {
			return false, p.noteDecodeError(derr, started)
		}
		rec.SchemaName, rec.SchemaID = SchemaLog, p.cfg.LogSchemaID.String()
		record, sink, schemaName = rec, p.logSink, SchemaLog
	case classify.TypeInteraction:
		var rec, derr = decodeInteractionRecord(ev.Body, messageID, ev.EnqueuedAt)
		if derr != nil {
			return false, p.noteDecodeError(derr, started)
		}
		rec.SchemaName, rec.SchemaID = SchemaInteractions, p.cfg.InteractionsSchemaID.String()
		record, sink, schemaName = rec, p.interactionSink, SchemaInteractions
	default:
		// Telemetry, resource metadata, and unknown types have no analytics
		// schema.
		discardedEventsCounter.Inc()
		return false, nil
	}
	p.stats.observe(time.Since(started))
	recordsDecodedCounter.WithLabelValues(schemaName).Inc()

	flushed, err := sink.Append(ctx, record)
	if err != nil {
		return false, err
	}
	if !flushed {
		return false, nil
	}
	buffersFlushedCounter.WithLabelValues(schemaName).Inc()

	if sink == p.logSink && p.cfg.StatsEnabled {
		if err = p.appendStatsRecord(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// appendStatsRecord synthesizes a batch-stats record into the Log sink and
// resets the sink's flush counters.
func (p *Processor) appendStatsRecord(ctx context.Context) error {
	var rec, err = statsRecord(p.partition.ID, &p.stats, p.logSink.TakeStats(), time.Now().UTC())
	if err != nil {
		return err
	}
	rec.SchemaName, rec.SchemaID = SchemaLog, p.cfg.LogSchemaID.String()
	_, err = p.logSink.Append(ctx, rec)
	return err
}

func (p *Processor) noteDecodeError(err error, started time.Time) error {
	p.stats.observe(time.Since(started))
	p.stats.observeError()
	decodeErrorsCounter.Inc()
	log.WithFields(log.Fields{
		"partition": p.partition.ID,
		"err":       err,
	}).Warn("dropping undeserializable event")
	return nil
}

func (p *Processor) flushAll(ctx context.Context) error {
	if err := p.logSink.FlushNow(ctx); err != nil {
		return err
	}
	return p.interactionSink.FlushNow(ctx)
}

// Close drains buffered records on clean shutdown, best-effort, then
// acknowledges progress. On a lost lease nothing is flushed or
// acknowledged: the buffered records will be redelivered to the new owner.
func (p *Processor) Close(ctx context.Context, reason consumer.CloseReason) error {
	log.WithFields(log.Fields{
		"partition": p.partition.ID,
		"reason":    reason,
	}).Info("closing analytics pipeline partition")

	if reason != consumer.Shutdown {
		return nil
	}
	if err := p.flushAll(ctx); err != nil {
		log.WithFields(log.Fields{
			"partition": p.partition.ID,
			"err":       err,
		}).Error("draining buffers on shutdown")
		return err
	}
	return p.coord.ForceCheckpoint(ctx)
}

func (p *Processor) noteCancellation(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.WithFields(log.Fields{
			"partition": p.partition.ID,
			"err":       err,
		}).Info("batch processing cancelled")
	}
	return err
}
