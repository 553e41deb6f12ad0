package consumer

import (
	"context"
	"time"
)

// Coordinator rate-limits and linearizes checkpoint calls for one partition.
// It is owned by a single partition processor and is not safe for concurrent
// use, matching the host's serialization of partition calls.
type Coordinator struct {
	checkpointer Checkpointer
	lastAt       time.Time
	now          func() time.Time
}

// NewCoordinator returns a Coordinator whose interval clock starts now, so
// the first interval-gated checkpoint happens only after a full interval of
// processing.
func NewCoordinator(cp Checkpointer) *Coordinator {
	var c = &Coordinator{checkpointer: cp, now: time.Now}
	c.lastAt = c.now()
	return c
}

// Due reports whether at least minInterval has elapsed since the last
// acknowledged checkpoint.
func (c *Coordinator) Due(minInterval time.Duration) bool {
	return c.now().Sub(c.lastAt) >= minInterval
}

// MaybeCheckpoint acknowledges progress if minInterval has elapsed since the
// previous acknowledgement. It returns whether a checkpoint was issued.
func (c *Coordinator) MaybeCheckpoint(ctx context.Context, minInterval time.Duration) (bool, error) {
	if !c.Due(minInterval) {
		return false, nil
	}
	return true, c.ForceCheckpoint(ctx)
}

// ForceCheckpoint acknowledges progress unconditionally. It's used on clean
// shutdown, and by the analytics pipeline after any buffer flush.
func (c *Coordinator) ForceCheckpoint(ctx context.Context) error {
	if err := c.checkpointer.Checkpoint(ctx); err != nil {
		return err
	}
	c.lastAt = c.now()
	return nil
}
