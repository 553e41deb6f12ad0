// Package esingest drives one partition of the search pipeline: classify,
// frame, submit, retry failures, and quarantine survivors, acknowledging
// partition progress only after delivery.
package esingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/driftline/ingest/classify"
	"github.com/driftline/ingest/consumer"
	"github.com/driftline/ingest/esbulk"
)

// Config tunes the search pipeline. Zero values select the defaults.
type Config struct {
	// StatsEnabled appends batchstats and perpartitionstats documents to
	// every framed batch.
	StatsEnabled bool
	// CheckpointInterval gates progress acknowledgement. Default one minute.
	CheckpointInterval time.Duration
	// MaxFailedDocRetries bounds submissions of the failed-items retry body.
	// Default 10.
	MaxFailedDocRetries int
	// MaxAbandonedDocRetries bounds submissions of the quarantine body.
	// Default 10.
	MaxAbandonedDocRetries int
}

// NewFactory returns a ProcessorFactory building one search pipeline
// processor per owned partition. The submitter is shared across partitions.
func NewFactory(submitter *esbulk.Submitter, cfg Config) consumer.ProcessorFactory {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = time.Minute
	}
	if cfg.MaxFailedDocRetries <= 0 {
		cfg.MaxFailedDocRetries = 10
	}
	if cfg.MaxAbandonedDocRetries <= 0 {
		cfg.MaxAbandonedDocRetries = 10
	}
	return func(partition consumer.Partition) consumer.Processor {
		return &Processor{
			partition: partition,
			submitter: submitter,
			coord:     consumer.NewCoordinator(partition.Checkpointer),
			cfg:       cfg,
		}
	}
}

// Processor owns the per-partition state of the search pipeline. The host
// serializes calls within a partition.
type Processor struct {
	partition consumer.Partition
	submitter *esbulk.Submitter
	coord     *consumer.Coordinator
	cfg       Config

	lastBatchElapsed   time.Duration
	lastBatchFailed    int
	lastBatchAbandoned int
}

// quarantined is a document bound for the abandoned-documents index,
// carrying the last error observed for it.
type quarantined struct {
	docID       string
	body        string
	lastError   string
	enqueueTime time.Time
}

func (p *Processor) Open(ctx context.Context) error {
	log.WithField("partition", p.partition.ID).Info("opened search pipeline partition")
	return nil
}

func (p *Processor) Process(ctx context.Context, events []consumer.RawEvent) error {
	var valid []*classify.BulkItem
	var invalid []*classify.InvalidItem
	for _, ev := range events {
		var item, inv = classify.Classify(ev)
		if inv != nil {
			invalid = append(invalid, inv)
			continue
		}
		valid = append(valid, item)
	}
	batchesProcessedCounter.Inc()
	invalidEventsCounter.Add(float64(len(invalid)))

	var quarantine []quarantined
	p.lastBatchFailed = 0

	if len(valid) > 0 || (p.cfg.StatsEnabled && len(events) > 0) {
		var items = valid
		if p.cfg.StatsEnabled {
			items = append(append([]*classify.BulkItem(nil), valid...),
				esbulk.StatsItems(valid, p.batchContext(), time.Now().UTC())...)
		}
		var framed = esbulk.Frame(items)
		documentsIndexedCounter.Add(float64(len(items)))

		var started = time.Now()
		resp, err := p.submitter.SendWithRetries(ctx, framed.Body,
			esbulk.RetryPolicy{UntilDelivered: true})
		p.lastBatchElapsed = time.Since(started)
		if err != nil {
			return p.noteCancellation(err)
		}
		if resp.ServerError != nil {
			// The whole request was rejected; fail the batch for redelivery.
			return fmt.Errorf("bulk request rejected: %s: %s",
				resp.ServerError.Err.Type, resp.ServerError.Err.Reason)
		}

		var failed = resp.Bulk.FailedItems()
		p.lastBatchFailed = len(failed)
		failedDocumentsCounter.Add(float64(len(failed)))
		if len(failed) > 0 {
			survivors, err := p.retryFailed(ctx, framed, failed)
			if err != nil {
				return p.noteCancellation(err)
			}
			quarantine = survivors
		}
	}

	for _, inv := range invalid {
		quarantine = append(quarantine, quarantined{
			docID:       inv.DocID,
			body:        inv.Body,
			lastError:   inv.Reason,
			enqueueTime: inv.EnqueueTime,
		})
	}
	p.lastBatchAbandoned = len(quarantine)
	if len(quarantine) > 0 {
		if err := p.quarantine(ctx, quarantine); err != nil {
			return p.noteCancellation(err)
		}
	}

	var _, err = p.coord.MaybeCheckpoint(ctx, p.cfg.CheckpointInterval)
	return err
}

// Close acknowledges progress on clean shutdown only: a lost lease means
// another host now owns the partition and will resume from the last durable
// checkpoint.
func (p *Processor) Close(ctx context.Context, reason consumer.CloseReason) error {
	log.WithFields(log.Fields{
		"partition": p.partition.ID,
		"reason":    reason,
	}).Info("closing search pipeline partition")

	if reason != consumer.Shutdown {
		return nil
	}
	return p.coord.ForceCheckpoint(ctx)
}

func (p *Processor) batchContext() esbulk.BatchContext {
	return esbulk.BatchContext{
		PartitionID:            p.partition.ID,
		LastBatchElapsed:       p.lastBatchElapsed,
		LastBatchFailedDocs:    p.lastBatchFailed,
		LastBatchAbandonedDocs: p.lastBatchAbandoned,
	}
}

// retryFailed re-submits just the failed items, without fresh stats items,
// and returns the documents that still failed once attempts were exhausted.
func (p *Processor) retryFailed(ctx context.Context, framed *esbulk.Framed, failed []esbulk.BulkItemStat) ([]quarantined, error) {
	var items []*classify.BulkItem
	for _, stat := range failed {
		if item, ok := framed.Items[stat.ID]; ok {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil, nil
	}

	var reframed = esbulk.Frame(items)
	resp, err := p.submitter.SendWithRetries(ctx, reframed.Body,
		esbulk.RetryPolicy{MaxAttempts: p.cfg.MaxFailedDocRetries})
	if err != nil {
		return nil, err
	}

	if resp.Bulk != nil {
		if !resp.Bulk.Errors {
			return nil, nil
		}
		var survivors []quarantined
		for _, stat := range resp.Bulk.FailedItems() {
			var item, ok = reframed.Items[stat.ID]
			if !ok {
				continue
			}
			var lastError = fmt.Sprintf("status %d", stat.Status)
			if stat.Error != nil {
				lastError = stat.Error.String()
			}
			survivors = append(survivors, quarantined{
				docID:       item.DocID,
				body:        item.Body,
				lastError:   lastError,
				enqueueTime: item.EnqueueTime,
			})
		}
		return survivors, nil
	}

	// Retries exhausted without a usable bulk response: every item survives.
	var lastError = "bulk retry attempts exhausted"
	if resp.TransportErr != nil {
		lastError = resp.TransportErr.Error()
	} else if resp.ServerError != nil {
		lastError = fmt.Sprintf("%s: %s", resp.ServerError.Err.Type, resp.ServerError.Err.Reason)
	}
	var survivors []quarantined
	for _, item := range items {
		survivors = append(survivors, quarantined{
			docID:       item.DocID,
			body:        item.Body,
			lastError:   lastError,
			enqueueTime: item.EnqueueTime,
		})
	}
	return survivors, nil
}

// quarantine writes abandoned-document records for docs. Quarantine counts
// as successful delivery: exhausted retries are logged, not failed, so a
// poisonous document cannot wedge its partition.
func (p *Processor) quarantine(ctx context.Context, docs []quarantined) error {
	var now = time.Now().UTC()
	var items []*classify.BulkItem
	for _, d := range docs {
		items = append(items, esbulk.AbandonedItem(d.docID, d.body, d.lastError, now, d.enqueueTime))
	}
	abandonedDocumentsCounter.Add(float64(len(items)))

	var framed = esbulk.Frame(items)
	resp, err := p.submitter.SendWithRetries(ctx, framed.Body,
		esbulk.RetryPolicy{MaxAttempts: p.cfg.MaxAbandonedDocRetries})
	if err != nil {
		return err
	}
	if resp.Bulk == nil || resp.Bulk.Errors {
		log.WithFields(log.Fields{
			"partition": p.partition.ID,
			"documents": len(items),
		}).Warn("some abandoned documents could not be indexed")
	}
	return nil
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
