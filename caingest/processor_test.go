package caingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driftline/ingest/consumer"
	"github.com/driftline/ingest/schemasink"
)

type fakeUpload struct {
	container string
	blob      string
	payload   []byte
}

type fakeAccount struct {
	mu      sync.Mutex
	uploads []fakeUpload
}

func (a *fakeAccount) Name() string { return "fake" }

func (a *fakeAccount) Upload(_ context.Context, container, blob string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads = append(a.uploads, fakeUpload{container, blob, append([]byte(nil), payload...)})
	return nil
}

func (a *fakeAccount) CreateContainer(context.Context, string) error { return nil }

func (a *fakeAccount) ReadSASURL(_ context.Context, container, blob string, _ time.Time) (string, error) {
	return fmt.Sprintf("https://fake.blob/%s/%s?sig=x", container, blob), nil
}

func (a *fakeAccount) allPayloads() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sb strings.Builder
	for _, up := range a.uploads {
		sb.Write(up.payload)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

func (a *fakeAccount) uploadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.uploads)
}

type testEnv struct {
	proc        *Processor
	account     *fakeAccount
	checkpoints *int
	notified    *int
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	var notified int
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notified++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	var account = &fakeAccount{}
	var notifier = &schemasink.Notifier{
		Endpoint:           srv.URL,
		InstrumentationKey: "test-ikey",
		MaxAttempts:        1,
	}
	if cfg.LogSchemaID == uuid.Nil {
		cfg.LogSchemaID = uuid.New()
	}
	if cfg.InteractionsSchemaID == uuid.Nil {
		cfg.InteractionsSchemaID = uuid.New()
	}
	if cfg.BaseContainer == "" {
		cfg.BaseContainer = "driftline"
	}

	var checkpoints int
	var factory = NewFactory([]schemasink.BlobAccount{account}, notifier, cfg)
	var proc = factory(consumer.Partition{
		ID: "3",
		Checkpointer: consumer.CheckpointFunc(func(context.Context) error {
			checkpoints++
			return nil
		}),
	}).(*Processor)

	return &testEnv{proc: proc, account: account, checkpoints: &checkpoints, notified: &notified}
}

func serilogEvent(messageID, message string) consumer.RawEvent {
	var body = fmt.Sprintf(
		`{"@timestamp":"2026-08-24T10:00:00Z","level":"Information","message":%q,"messageTemplate":"{m}","fields":{"MachineName":"web-01","CorrelationId":"corr-1"}}`,
		message)
	return consumer.RawEvent{
		Body:       []byte(body),
		EnqueuedAt: testEnqueuedAt,
		Properties: map[string]any{"Type": "SerilogEvent", "MessageId": messageID},
	}
}

// encodedEventSize returns the buffered size of serilogEvent's record, as
// the processor would encode it.
func encodedEventSize(t *testing.T, env *testEnv, messageID, message string) int {
	t.Helper()
	var ev = serilogEvent(messageID, message)
	rec, err := decodeLogRecord(ev.Body, messageID, ev.EnqueuedAt)
	require.NoError(t, err)
	rec.SchemaName, rec.SchemaID = SchemaLog, env.proc.cfg.LogSchemaID.String()
	encoded, err := json.Marshal(rec)
	require.NoError(t, err)
	return len(encoded)
}

func TestProcessorDiscardsEventsWithoutSchema(t *testing.T) {
	var env = newTestEnv(t, Config{})
	var events = []consumer.RawEvent{
		{Body: []byte(`{}`), Properties: map[string]any{"Type": "ExternalTelemetry"}},
		{Body: []byte(`{}`), Properties: map[string]any{"Type": "azure-resources"}},
		{Body: []byte(`{}`), Properties: map[string]any{"Type": "SomethingElse"}},
		{Body: []byte(`{}`), Properties: nil},
		{Body: []byte(`{}`), Properties: map[string]any{"Type": 7}},
	}
	require.NoError(t, env.proc.Process(context.Background(), events))
	require.Zero(t, env.account.uploadCount())
	require.Zero(t, *env.checkpoints)
}

func TestProcessorDropsUndeserializableEvents(t *testing.T) {
	var env = newTestEnv(t, Config{})
	var events = []consumer.RawEvent{
		{Body: []byte(`{"message": truncated`), Properties: map[string]any{"Type": "SerilogEvent"}},
		{Body: []byte(`not json`), Properties: map[string]any{"Type": "RoboCustosInteraction"}},
	}
	require.NoError(t, env.proc.Process(context.Background(), events))
	require.Zero(t, env.account.uploadCount())
	require.Equal(t, 2, env.proc.stats.deserializeErr)
}

func TestProcessorBuffersBelowCapacity(t *testing.T) {
	var env = newTestEnv(t, Config{CheckpointInterval: time.Hour})
	var events = []consumer.RawEvent{serilogEvent("m-1", "hello")}
	require.NoError(t, env.proc.Process(context.Background(), events))

	// Nothing flushed and the interval hasn't elapsed: no upload, no
	// checkpoint, one record buffered.
	require.Zero(t, env.account.uploadCount())
	require.Zero(t, *env.checkpoints)
	require.Equal(t, 1, env.proc.stats.deserialized)
}

func TestProcessorFlushesAndCheckpointsOnCapacity(t *testing.T) {
	var env = newTestEnv(t, Config{CheckpointInterval: time.Hour})
	var size = encodedEventSize(t, env, "m-1", "hello")
	env.proc.cfg.BufferBytes = 2*size - 10
	env.proc.logSink = schemasink.New(schemasink.Config{
		SchemaName:    SchemaLog,
		SchemaID:      env.proc.cfg.LogSchemaID,
		BaseContainer: "driftline",
		Capacity:      env.proc.cfg.BufferBytes,
	}, []schemasink.BlobAccount{env.account}, &schemasink.Notifier{Endpoint: "http://localhost:0", MaxAttempts: 1})

	var events = []consumer.RawEvent{
		serilogEvent("m-1", "hello"),
		serilogEvent("m-2", "hello"),
	}
	require.NoError(t, env.proc.Process(context.Background(), events))

	// The second append evicted the first record; the batch-end drain wrote
	// the second.
	require.Equal(t, 2, env.account.uploadCount())
	require.Equal(t, 1, *env.checkpoints)

	var all = env.account.allPayloads()
	require.Contains(t, all, `"messageId":"m-1"`)
	require.Contains(t, all, `"messageId":"m-2"`)
}

func TestProcessorAppendsStatsRecordAfterLogFlush(t *testing.T) {
	var env = newTestEnv(t, Config{CheckpointInterval: time.Hour, StatsEnabled: true})
	var size = encodedEventSize(t, env, "m-1", strings.Repeat("x", 400))
	var cfg = env.proc.cfg
	cfg.BufferBytes = 2*size - 10

	// Rebuild with the computed capacity so the second append flushes.
	var rebuilt = NewFactory([]schemasink.BlobAccount{env.account}, &schemasink.Notifier{
		Endpoint:    "http://localhost:0",
		MaxAttempts: 1,
	}, cfg)(consumer.Partition{
		ID:           "3",
		Checkpointer: env.proc.partition.Checkpointer,
	}).(*Processor)

	var events = []consumer.RawEvent{
		serilogEvent("m-1", strings.Repeat("x", 400)),
		serilogEvent("m-2", strings.Repeat("x", 400)),
	}
	require.NoError(t, rebuilt.Process(context.Background(), events))

	var all = env.account.allPayloads()
	require.Contains(t, all, `"message":"IngestionBatchStats"`)
	require.Contains(t, all, `"partitionId":"3"`)
	require.Contains(t, all, `"deserializedEvents":2`)
	require.Contains(t, all, `"blobsWritten":1`)

	// The window counters reset with the checkpoint.
	require.Zero(t, rebuilt.stats.deserialized)
	require.Equal(t, 1, *env.checkpoints)
}

func TestProcessorRoutesInteractionsToOwnSink(t *testing.T) {
	var env = newTestEnv(t, Config{CheckpointInterval: time.Hour})
	var body = `{"messageId":"int-1","RobotName":"probe","Interaction":{"HappinessGrade":"Happy","TimeTaken":12}}`
	var events = []consumer.RawEvent{{
		Body:       []byte(body),
		EnqueuedAt: testEnqueuedAt,
		Properties: map[string]any{"Type": "RoboCustosInteraction"},
	}}
	require.NoError(t, env.proc.Process(context.Background(), events))
	require.Zero(t, env.account.uploadCount())

	require.NoError(t, env.proc.Close(context.Background(), consumer.Shutdown))
	require.Equal(t, 1, env.account.uploadCount())
	require.Contains(t, env.account.allPayloads(), `"schemaName":"Interactions"`)
	require.Equal(t, 1, *env.checkpoints)
	require.Equal(t, 1, *env.notified)
}

func TestProcessorIntervalCheckpointDrainsBuffers(t *testing.T) {
	var env = newTestEnv(t, Config{CheckpointInterval: time.Millisecond})
	require.NoError(t, env.proc.Process(context.Background(), []consumer.RawEvent{serilogEvent("m-1", "hi")}))
	time.Sleep(5 * time.Millisecond)

	// A batch of discarded events still triggers the due checkpoint, which
	// drains the buffered record from the earlier batch.
	var events = []consumer.RawEvent{{Body: []byte(`{}`), Properties: map[string]any{"Type": "noise"}}}
	require.NoError(t, env.proc.Process(context.Background(), events))
	require.Contains(t, env.account.allPayloads(), `"messageId":"m-1"`)
	require.GreaterOrEqual(t, *env.checkpoints, 1)
}

func TestProcessorCloseOnLostLeaseKeepsBuffer(t *testing.T) {
	var env = newTestEnv(t, Config{CheckpointInterval: time.Hour})
	require.NoError(t, env.proc.Process(context.Background(), []consumer.RawEvent{serilogEvent("m-1", "hi")}))

	require.NoError(t, env.proc.Close(context.Background(), consumer.LeaseLost))
	require.Zero(t, env.account.uploadCount())
	require.Zero(t, *env.checkpoints)
}
