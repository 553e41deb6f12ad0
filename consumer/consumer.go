// Package consumer defines the contract between the partition broker host
// and the per-partition processors of both ingestion pipelines.
//
// The broker host owns partition leases and message delivery. It serializes
// Open, Process, and Close calls within a partition; processors rely on that
// serialization and do not internally synchronize per-partition state.
package consumer

import (
	"context"
	"time"
)

// RawEvent is one event as delivered by the broker host. It is handed to the
// pipeline for exactly one Process call, and the pipeline must not retain
// references to it after that call returns.
type RawEvent struct {
	// Body is the opaque event payload.
	Body []byte
	// EnqueuedAt is the broker-assigned enqueue time.
	EnqueuedAt time.Time
	// Properties is the application property bag. Values are expected to be
	// strings, integers, or timestamps.
	Properties map[string]any
}

// CloseReason tells a processor why its partition is being closed.
type CloseReason int

const (
	// Shutdown is a clean host shutdown. Progress may be acknowledged.
	Shutdown CloseReason = iota
	// LeaseLost means another host took ownership of the partition.
	// Progress must NOT be acknowledged: the new owner will resume from the
	// last durable checkpoint.
	LeaseLost
	// Failure is an unrecoverable partition error.
	Failure
)

func (r CloseReason) String() string {
	switch r {
	case Shutdown:
		return "shutdown"
	case LeaseLost:
		return "lease-lost"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Checkpointer durably acknowledges partition progress up to the latest
// event delivered to Process.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// CheckpointFunc adapts a function to the Checkpointer interface.
type CheckpointFunc func(ctx context.Context) error

func (f CheckpointFunc) Checkpoint(ctx context.Context) error { return f(ctx) }

// Partition identifies one shard of the event stream, together with the
// host's checkpoint callback for it.
type Partition struct {
	ID           string
	Checkpointer Checkpointer
}

// Processor handles the lifecycle of a single partition. The host guarantees
// that calls are serialized within a partition; distinct partitions are
// processed concurrently.
type Processor interface {
	Open(ctx context.Context) error
	Process(ctx context.Context, events []RawEvent) error
	Close(ctx context.Context, reason CloseReason) error
}

// ProcessorFactory builds a Processor for a newly-owned partition.
type ProcessorFactory func(partition Partition) Processor
