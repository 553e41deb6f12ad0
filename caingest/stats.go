package caingest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/ingest/schemasink"
)

// batchStats accumulates decode timings between checkpoints.
type batchStats struct {
	deserialized   int
	deserializeErr int
	minMs          float64
	maxMs          float64
	totalMs        float64
}

func (b *batchStats) observe(d time.Duration) {
	var ms = float64(d.Microseconds()) / 1000
	if b.deserialized == 0 || ms < b.minMs {
		b.minMs = ms
	}
	if ms > b.maxMs {
		b.maxMs = ms
	}
	b.deserialized++
	b.totalMs += ms
}

func (b *batchStats) observeError() { b.deserializeErr++ }

func (b *batchStats) reset() { *b = batchStats{} }

// statsBlob is the payload of a synthesized batch-stats log record.
type statsBlob struct {
	PartitionID        string  `json:"partitionId"`
	DeserializedEvents int     `json:"deserializedEvents"`
	DeserializeErrors  int     `json:"deserializeErrors"`
	DeserializeMinMs   float64 `json:"deserializeMinMilliseconds"`
	DeserializeMaxMs   float64 `json:"deserializeMaxMilliseconds"`
	DeserializeTotalMs float64 `json:"deserializeTotalMilliseconds"`
	BlobsWritten       int     `json:"blobsWritten"`
	BlobBytes          int64   `json:"blobBytes"`
	BlobWriteErrors    int     `json:"blobWriteErrors"`
	OversizeDrops      int     `json:"oversizeDrops"`
	EventsTotal        int64   `json:"eventsTotal"`
	OldestDocLagMs     int64   `json:"oldestDocumentLagInMilliseconds"`
}

// statsRecord synthesizes the batch-stats log record appended to the Log
// sink after a flush.
func statsRecord(partitionID string, stats *batchStats, flush schemasink.FlushStats, now time.Time) (*LogRecord, error) {
	var oldestLag int64
	if !flush.OldestDoc.IsZero() {
		if lag := now.Sub(flush.OldestDoc); lag > 0 {
			oldestLag = lag.Milliseconds()
		}
	}
	var blob, err = json.Marshal(statsBlob{
		PartitionID:        partitionID,
		DeserializedEvents: stats.deserialized,
		DeserializeErrors:  stats.deserializeErr,
		DeserializeMinMs:   stats.minMs,
		DeserializeMaxMs:   stats.maxMs,
		DeserializeTotalMs: stats.totalMs,
		BlobsWritten:       flush.Blobs,
		BlobBytes:          flush.BlobBytes,
		BlobWriteErrors:    flush.WriteErrors,
		OversizeDrops:      flush.OversizeDrops,
		EventsTotal:        flush.EventsTotal,
		OldestDocLagMs:     oldestLag,
	})
	if err != nil {
		return nil, err
	}
	return &LogRecord{
		MessageID: uuid.NewString(),
		Timestamp: now,
		Message:   "IngestionBatchStats",
		Blob:      blob,
	}, nil
}
