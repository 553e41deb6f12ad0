package esbulk

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/ingest/classify"
)

func testItem(id, base, docType, body string) *classify.BulkItem {
	return &classify.BulkItem{
		IndexBase:   base,
		DocType:     docType,
		DocID:       id,
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		EnqueueTime: time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC),
		Body:        body,
	}
}

func TestFrameProducesOneActionAndOneBodyLinePerItem(t *testing.T) {
	var framed = Frame([]*classify.BulkItem{
		testItem("id-1", "logstash", "logevent", `{"message":"one"}`),
		testItem("id-2", "robointeractions", "interaction", `{"robot":"two"}`),
	})

	var body = string(framed.Body)
	require.True(t, strings.HasSuffix(body, "\n"))

	var lines = strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	require.Len(t, lines, 4)

	require.JSONEq(t,
		`{"index":{"_index":"logstash-2024.05.01","_type":"logevent","_id":"id-1"}}`,
		lines[0])
	require.Equal(t, `{"message":"one"}`, lines[1])
	require.JSONEq(t,
		`{"index":{"_index":"robointeractions-2024.05.01","_type":"interaction","_id":"id-2"}}`,
		lines[2])
	require.Equal(t, `{"robot":"two"}`, lines[3])

	require.Len(t, framed.Items, 2)
	require.Equal(t, "logstash", framed.Items["id-1"].IndexBase)
}

func TestFramePreservesItemOrder(t *testing.T) {
	var items []*classify.BulkItem
	for _, id := range []string{"c", "a", "b"} {
		items = append(items, testItem(id, "logstash", "logevent", `{"id":"`+id+`"}`))
	}
	var lines = strings.Split(strings.TrimSuffix(string(Frame(items).Body), "\n"), "\n")
	require.Contains(t, lines[0], `"_id":"c"`)
	require.Contains(t, lines[2], `"_id":"a"`)
	require.Contains(t, lines[4], `"_id":"b"`)
}

func TestFrameFlatIndex(t *testing.T) {
	var item = testItem("id-1", "azure-resources", "metadata", `{}`)
	item.FlatIndex = true
	var lines = strings.Split(string(Frame([]*classify.BulkItem{item}).Body), "\n")
	require.Contains(t, lines[0], `"_index":"azure-resources"`)
}

func TestAbandonedItemTruncatesContent(t *testing.T) {
	var content = strings.Repeat("x", 4000)
	var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var item = AbandonedItem("doc-1", content, "mapper_parsing_exception", now, now)

	require.Equal(t, "abandoneddocs", item.IndexBase)
	require.Equal(t, "abandoneddocinfo", item.DocType)
	require.Equal(t, "abandoneddocs-2024.05.01", item.IndexName())

	var body struct {
		DocID      string `json:"docId"`
		DocContent string `json:"docContent"`
		LastError  string `json:"lastError"`
	}
	require.NoError(t, json.Unmarshal([]byte(item.Body), &body))
	require.Equal(t, "doc-1", body.DocID)
	require.Len(t, body.DocContent, 1024)
	require.Equal(t, "mapper_parsing_exception", body.LastError)
}

func TestAbandonedItemBodyIsNewlineFree(t *testing.T) {
	var now = time.Now().UTC()
	var item = AbandonedItem("doc-1", "line one\nline two", "Document body contains newlines", now, now)
	require.NotContains(t, item.Body, "\n")

	// The original content round-trips through the escaping.
	var body struct {
		DocContent string `json:"docContent"`
	}
	require.NoError(t, json.Unmarshal([]byte(item.Body), &body))
	require.Equal(t, "line one\nline two", body.DocContent)
}

func TestStatsItems(t *testing.T) {
	var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var items = []*classify.BulkItem{
		{
			DocID:       "old",
			Timestamp:   now.Add(-time.Hour),
			EnqueueTime: now.Add(-30 * time.Minute),
		},
		{
			DocID:       "new",
			Timestamp:   now.Add(-time.Minute),
			EnqueueTime: now.Add(-2 * time.Minute),
		},
	}
	var bc = BatchContext{
		PartitionID:            "7",
		LastBatchElapsed:       1500 * time.Millisecond,
		LastBatchFailedDocs:    3,
		LastBatchAbandonedDocs: 1,
	}

	var stats = StatsItems(items, bc, now)
	require.Len(t, stats, 2)
	require.Equal(t, "ingestionstats", stats[0].IndexBase)
	require.Equal(t, "batchstats", stats[0].DocType)
	require.Equal(t, "perpartitionstats", stats[1].DocType)
	require.Equal(t, "ingestionstats-2024.05.01", stats[0].IndexName())

	var batch map[string]any
	require.NoError(t, json.Unmarshal([]byte(stats[0].Body), &batch))
	require.Equal(t, "7", batch["taskId"])
	require.Equal(t, float64(2), batch["batchSize"])
	require.Equal(t, float64(1500), batch["lastBatchElapsedTimeInMilliseconds"])
	require.Equal(t, float64(3), batch["lastBatchFailedDocuments"])
	require.Equal(t, float64(1), batch["lastBatchAbandonedDocuments"])
	require.Equal(t, "old", batch["idOfOldestMessageInBatch"])
	require.Equal(t, "old", batch["idOfOldestEnqueuedMessageInBatch"])
	// Lag of the last message: 2 minutes. Max lag: 30 minutes.
	require.Equal(t, float64(2*60*1000), batch["lagInMilliseconds"])
	require.Equal(t, float64(30*60*1000), batch["maxLagInMilliseconds"])

	var per map[string]any
	require.NoError(t, json.Unmarshal([]byte(stats[1].Body), &per))
	require.Equal(t, "7", per["partitionId"])
	require.Equal(t, "7", per["taskId"])
}

func TestStatsItemsClampNegativeLag(t *testing.T) {
	var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// Enqueued "in the future" relative to the consumer's clock.
	var items = []*classify.BulkItem{{
		DocID:       "skewed",
		Timestamp:   now.Add(time.Minute),
		EnqueueTime: now.Add(time.Minute),
	}}
	var batch map[string]any
	require.NoError(t, json.Unmarshal(
		[]byte(StatsItems(items, BatchContext{}, now)[0].Body), &batch))
	require.Equal(t, float64(0), batch["lagInMilliseconds"])
	require.Equal(t, float64(0), batch["maxLagInMilliseconds"])
	require.Equal(t, float64(0), batch["lagFromMessageCreationTimeInMinutes"])
}

func TestStatsItemsBodiesAreNewlineFree(t *testing.T) {
	for _, item := range StatsItems(nil, BatchContext{PartitionID: "0"}, time.Now().UTC()) {
		require.NotContains(t, item.Body, "\n")
	}
}
