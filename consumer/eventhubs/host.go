// Package eventhubs adapts the Event Hubs processor to the pipeline
// contract: it owns partition leases, delivers event batches to a
// per-partition Processor, and persists checkpoints in blob storage.
package eventhubs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/v2/checkpoints"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/ingest/consumer"
)

// Config locates one Event Hub and the blob container holding its
// checkpoints. Zero values select the defaults.
type Config struct {
	ConnectionString string
	EventHub         string
	ConsumerGroup    string

	StorageConnectionString string
	CheckpointContainer     string

	// BatchSize caps events per Process call. Default 100.
	BatchSize int
	// ReceiveTimeout bounds one receive; on expiry whatever arrived so far
	// is delivered. Default 10 seconds.
	ReceiveTimeout time.Duration
}

// Host runs one consumer group against one Event Hub, balancing partition
// ownership with other live hosts through the shared checkpoint store.
type Host struct {
	cfg     Config
	factory consumer.ProcessorFactory
}

func NewHost(cfg Config, factory consumer.ProcessorFactory) *Host {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 10 * time.Second
	}
	return &Host{cfg: cfg, factory: factory}
}

// Run blocks until ctx is cancelled or the host fails. Each owned partition
// gets its own processor and goroutine; a partition failure stops the host
// so the deployment can restart it cleanly.
func (h *Host) Run(ctx context.Context) error {
	client, err := azeventhubs.NewConsumerClientFromConnectionString(
		h.cfg.ConnectionString, h.cfg.EventHub, h.cfg.ConsumerGroup, nil)
	if err != nil {
		return fmt.Errorf("building consumer client: %w", err)
	}
	defer client.Close(context.Background())

	store, err := h.checkpointStore(ctx)
	if err != nil {
		return err
	}
	processor, err := azeventhubs.NewProcessor(client, store, nil)
	if err != nil {
		return fmt.Errorf("building partition processor: %w", err)
	}

	log.WithFields(log.Fields{
		"eventHub": h.cfg.EventHub,
		"group":    h.cfg.ConsumerGroup,
	}).Info("broker host starting")

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := processor.Run(groupCtx); err != nil {
			return fmt.Errorf("partition load balancer: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		for {
			var pc = processor.NextPartitionClient(groupCtx)
			if pc == nil {
				return nil
			}
			group.Go(func() error { return h.runPartition(groupCtx, pc) })
		}
	})
	return group.Wait()
}

// checkpointStore opens the blob-backed checkpoint container, creating it
// on first run.
func (h *Host) checkpointStore(ctx context.Context) (azeventhubs.CheckpointStore, error) {
	blobClient, err := azblob.NewClientFromConnectionString(h.cfg.StorageConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("building checkpoint blob client: %w", err)
	}
	var container = blobClient.ServiceClient().NewContainerClient(h.cfg.CheckpointContainer)
	if _, err = container.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("creating checkpoint container %q: %w", h.cfg.CheckpointContainer, err)
	}
	store, err := checkpoints.NewBlobStore(container, nil)
	if err != nil {
		return nil, fmt.Errorf("building checkpoint store: %w", err)
	}
	return store, nil
}

// runPartition drives one owned partition: receive, process, checkpoint,
// until cancellation or the lease moves elsewhere.
func (h *Host) runPartition(ctx context.Context, pc *azeventhubs.ProcessorPartitionClient) error {
	defer pc.Close(context.Background())

	partitionsOwnedGauge.WithLabelValues(h.cfg.ConsumerGroup).Inc()
	defer partitionsOwnedGauge.WithLabelValues(h.cfg.ConsumerGroup).Dec()

	// latest tracks the newest delivered event. The checkpoint callback runs
	// synchronously within Process or Close, so no synchronization is needed.
	var latest *azeventhubs.ReceivedEventData
	var proc = h.factory(consumer.Partition{
		ID: pc.PartitionID(),
		Checkpointer: consumer.CheckpointFunc(func(ctx context.Context) error {
			if latest == nil {
				return nil
			}
			if err := pc.UpdateCheckpoint(ctx, latest, nil); err != nil {
				return fmt.Errorf("updating checkpoint for partition %s: %w", pc.PartitionID(), err)
			}
			checkpointsCounter.WithLabelValues(h.cfg.ConsumerGroup).Inc()
			return nil
		}),
	})

	if err := proc.Open(ctx); err != nil {
		proc.Close(ctx, consumer.Failure)
		return fmt.Errorf("opening partition %s: %w", pc.PartitionID(), err)
	}

	for {
		var events, err = h.receive(ctx, pc)
		if err != nil {
			return h.closePartition(pc, proc, err)
		}
		if len(events) == 0 {
			continue
		}
		latest = events[len(events)-1]
		eventsReceivedCounter.WithLabelValues(h.cfg.ConsumerGroup).Add(float64(len(events)))

		if err = proc.Process(ctx, rawEvents(events)); err != nil {
			proc.Close(ctx, consumer.Failure)
			return fmt.Errorf("processing partition %s batch: %w", pc.PartitionID(), err)
		}
	}
}

// receive waits up to ReceiveTimeout for a batch. A timeout with no events
// is not an error; a timeout with events delivers the partial batch.
func (h *Host) receive(ctx context.Context, pc *azeventhubs.ProcessorPartitionClient) ([]*azeventhubs.ReceivedEventData, error) {
	var rctx, cancel = context.WithTimeout(ctx, h.cfg.ReceiveTimeout)
	defer cancel()

	var events, err = pc.ReceiveEvents(rctx, h.cfg.BatchSize, nil)
	if err != nil && !(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		return nil, err
	}
	return events, nil
}

// closePartition translates the receive error into a close reason and
// reports only genuine failures upward. Cancellation and lease movement are
// the expected ways a partition ends.
func (h *Host) closePartition(pc *azeventhubs.ProcessorPartitionClient, proc consumer.Processor, err error) error {
	var reason = consumer.Failure
	var ehErr *azeventhubs.Error
	switch {
	case errors.As(err, &ehErr) && ehErr.Code == azeventhubs.ErrorCodeOwnershipLost:
		reason = consumer.LeaseLost
	case errors.Is(err, context.Canceled):
		reason = consumer.Shutdown
	}

	// Close gets a fresh context: the partition context is typically already
	// cancelled, and a shutdown close still needs to drain and checkpoint.
	var closeCtx, cancel = context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if cerr := proc.Close(closeCtx, reason); cerr != nil {
		log.WithFields(log.Fields{
			"partition": pc.PartitionID(),
			"reason":    reason,
			"err":       cerr,
		}).Error("partition processor close failed")
	}

	if reason == consumer.Failure {
		return fmt.Errorf("receiving from partition %s: %w", pc.PartitionID(), err)
	}
	log.WithFields(log.Fields{
		"partition": pc.PartitionID(),
		"reason":    reason,
	}).Info("partition closed")
	return nil
}

func rawEvents(events []*azeventhubs.ReceivedEventData) []consumer.RawEvent {
	var out = make([]consumer.RawEvent, len(events))
	for i, ev := range events {
		out[i] = consumer.RawEvent{
			Body:       ev.Body,
			Properties: ev.Properties,
		}
		if ev.EnqueuedTime != nil {
			out[i].EnqueuedAt = *ev.EnqueuedTime
		}
	}
	return out
}
