package esbulk

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/ingest/classify"
)

// BatchContext carries the per-partition rolling counters that are folded
// into the next batch's self-instrumentation items.
type BatchContext struct {
	PartitionID            string
	LastBatchElapsed       time.Duration
	LastBatchFailedDocs    int
	LastBatchAbandonedDocs int
}

type batchStatsBody struct {
	LastMessageTimestampInBatch            time.Time `json:"lastMessageTimestampInBatch"`
	LastMessageEnqueueTimeInBatch          time.Time `json:"lastMessageEnqueueTimeInBatch"`
	OldestMessageTimestampInBatch          time.Time `json:"oldestMessageTimestampInBatch"`
	OldestMessageEnqueueTimeInBatch        time.Time `json:"oldestMessageEnqueueTimeInBatch"`
	IDOfOldestMessageInBatch               string    `json:"idOfOldestMessageInBatch"`
	IDOfOldestEnqueuedMessageInBatch       string    `json:"idOfOldestEnqueuedMessageInBatch"`
	LagInMilliseconds                      int64     `json:"lagInMilliseconds"`
	MaxLagInMilliseconds                   int64     `json:"maxLagInMilliseconds"`
	LagInMinutes                           float64   `json:"lagInMinutes"`
	MaxLagInMinutes                        float64   `json:"maxLagInMinutes"`
	LagFromMessageCreationTimeInMinutes    float64   `json:"lagFromMessageCreationTimeInMinutes"`
	MaxLagFromMessageCreationTimeInMinutes float64   `json:"maxLagFromMessageCreationTimeInMinutes"`
	Timestamp                              time.Time `json:"timestamp"`
	LastBatchElapsedTimeInMilliseconds     int64     `json:"lastBatchElapsedTimeInMilliseconds"`
	TaskID                                 string    `json:"taskId"`
	BatchSize                              int       `json:"batchSize"`
	LastBatchFailedDocuments               int       `json:"lastBatchFailedDocuments"`
	LastBatchAbandonedDocuments            int       `json:"lastBatchAbandonedDocuments"`
}

type perPartitionStatsBody struct {
	PartitionID          string    `json:"partitionId"`
	TaskID               string    `json:"taskId"`
	LagInMilliseconds    int64     `json:"lagInMilliseconds"`
	MaxLagInMilliseconds int64     `json:"maxLagInMilliseconds"`
	LagInMinutes         float64   `json:"lagInMinutes"`
	MaxLagInMinutes      float64   `json:"maxLagInMinutes"`
	Timestamp            time.Time `json:"timestamp"`
	BatchSize            int       `json:"batchSize"`
}

// StatsItems builds the two self-instrumentation items appended to a framed
// batch: one batchstats document with the full lag/latency aggregates, and
// one perpartitionstats document with the per-partition subset.
func StatsItems(items []*classify.BulkItem, bc BatchContext, now time.Time) []*classify.BulkItem {
	var stats = batchStatsBody{
		Timestamp:                          now,
		TaskID:                             bc.PartitionID,
		BatchSize:                          len(items),
		LastBatchElapsedTimeInMilliseconds: bc.LastBatchElapsed.Milliseconds(),
		LastBatchFailedDocuments:           bc.LastBatchFailedDocs,
		LastBatchAbandonedDocuments:        bc.LastBatchAbandonedDocs,
	}

	if len(items) > 0 {
		var last = items[len(items)-1]
		stats.LastMessageTimestampInBatch = last.Timestamp
		stats.LastMessageEnqueueTimeInBatch = last.EnqueueTime

		var oldestByTimestamp, oldestByEnqueue = items[0], items[0]
		for _, it := range items[1:] {
			if it.Timestamp.Before(oldestByTimestamp.Timestamp) {
				oldestByTimestamp = it
			}
			if it.EnqueueTime.Before(oldestByEnqueue.EnqueueTime) {
				oldestByEnqueue = it
			}
		}
		stats.OldestMessageTimestampInBatch = oldestByTimestamp.Timestamp
		stats.OldestMessageEnqueueTimeInBatch = oldestByEnqueue.EnqueueTime
		stats.IDOfOldestMessageInBatch = oldestByTimestamp.DocID
		stats.IDOfOldestEnqueuedMessageInBatch = oldestByEnqueue.DocID

		var lag = clampLag(now.Sub(last.EnqueueTime))
		var maxLag = clampLag(now.Sub(oldestByEnqueue.EnqueueTime))
		stats.LagInMilliseconds = lag.Milliseconds()
		stats.MaxLagInMilliseconds = maxLag.Milliseconds()
		stats.LagInMinutes = lag.Minutes()
		stats.MaxLagInMinutes = maxLag.Minutes()
		stats.LagFromMessageCreationTimeInMinutes = clampLag(now.Sub(last.Timestamp)).Minutes()
		stats.MaxLagFromMessageCreationTimeInMinutes = clampLag(now.Sub(oldestByTimestamp.Timestamp)).Minutes()
	}

	var perPartition = perPartitionStatsBody{
		PartitionID:          bc.PartitionID,
		TaskID:               bc.PartitionID,
		LagInMilliseconds:    stats.LagInMilliseconds,
		MaxLagInMilliseconds: stats.MaxLagInMilliseconds,
		LagInMinutes:         stats.LagInMinutes,
		MaxLagInMinutes:      stats.MaxLagInMinutes,
		Timestamp:            now,
		BatchSize:            len(items),
	}

	return []*classify.BulkItem{
		statsItem("batchstats", stats, now),
		statsItem("perpartitionstats", perPartition, now),
	}
}

func statsItem(docType string, body any, now time.Time) *classify.BulkItem {
	var b, err = json.Marshal(body)
	if err != nil {
		panic(err) // Marshaling stats aggregates cannot fail.
	}
	return &classify.BulkItem{
		IndexBase:   classify.IndexIngestionStats,
		DocType:     docType,
		DocID:       uuid.NewString(),
		Timestamp:   now,
		EnqueueTime: now,
		Body:        string(b),
	}
}

// clampLag floors negative lags (from clock skew between broker and consumer)
// to zero.
func clampLag(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
