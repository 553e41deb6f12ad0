package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/ingest/consumer"
)

func rawEvent(body string, props map[string]any) consumer.RawEvent {
	return consumer.RawEvent{
		Body:       []byte(body),
		EnqueuedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Properties: props,
	}
}

func TestClassifyRoutingTable(t *testing.T) {
	var cases = []struct {
		name      string
		props     map[string]any
		indexBase string
		docType   string
		indexName string
	}{
		{
			name:      "serilog",
			props:     map[string]any{"Type": "SerilogEvent"},
			indexBase: "logstash",
			docType:   "logevent",
			indexName: "logstash-2024.05.01",
		},
		{
			name:      "interaction",
			props:     map[string]any{"Type": "RoboCustosInteraction"},
			indexBase: "robointeractions",
			docType:   "interaction",
			indexName: "robointeractions-2024.05.01",
		},
		{
			name:      "external telemetry default doc type",
			props:     map[string]any{"Type": "ExternalTelemetry"},
			indexBase: "externaltelemetry",
			docType:   "telemetryevent",
			indexName: "externaltelemetry-2024.05.01",
		},
		{
			name:      "external telemetry source override",
			props:     map[string]any{"Type": "ExternalTelemetry", "Source": "loadtest"},
			indexBase: "externaltelemetry",
			docType:   "loadtest",
			indexName: "externaltelemetry-2024.05.01",
		},
		{
			name:      "azure resources is flat",
			props:     map[string]any{"Type": "azure-resources"},
			indexBase: "azure-resources",
			docType:   "metadata",
			indexName: "azure-resources",
		},
		{
			name:      "azure resources source override",
			props:     map[string]any{"Type": "azure-resources", "Source": "subscription"},
			indexBase: "azure-resources",
			docType:   "subscription",
			indexName: "azure-resources",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.props["Timestamp"] = "2024-05-01T11:30:00Z"
			item, inv := Classify(rawEvent(`{"some":"doc"}`, tc.props))
			require.Nil(t, inv)
			require.Equal(t, tc.indexBase, item.IndexBase)
			require.Equal(t, tc.docType, item.DocType)
			require.Equal(t, tc.indexName, item.IndexName())
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	var props = map[string]any{
		"Type":      "SerilogEvent",
		"MessageId": "msg-1",
		"Timestamp": "2024-05-01T11:30:00Z",
	}
	// Repeated classification of the same event yields the same item.
	for i := 0; i != 3; i++ {
		item, inv := Classify(rawEvent(`{"message":"hi"}`, props))
		require.Nil(t, inv)
		require.Equal(t, "logstash", item.IndexBase)
		require.Equal(t, "logevent", item.DocType)
		require.Equal(t, "msg-1", item.DocID)
		require.Equal(t, time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC), item.Timestamp.UTC())
		require.Equal(t, `{"message":"hi"}`, item.Body)
	}
}

func TestClassifyDefaults(t *testing.T) {
	var before = time.Now().UTC()
	item, inv := Classify(rawEvent(`{}`, map[string]any{"Type": "SerilogEvent"}))
	require.Nil(t, inv)
	require.NotEmpty(t, item.DocID)
	require.WithinDuration(t, before, item.Timestamp, time.Minute)

	// A second classification generates a distinct id.
	other, _ := Classify(rawEvent(`{}`, map[string]any{"Type": "SerilogEvent"}))
	require.NotEqual(t, item.DocID, other.DocID)
}

func TestClassifySerilogInference(t *testing.T) {
	var body = `{"message":"m","messageTemplate":"t","@timestamp":"2024-04-30T23:59:59Z","level":"Information"}`
	item, inv := Classify(rawEvent(body, map[string]any{}))
	require.Nil(t, inv)
	require.Equal(t, "logstash", item.IndexBase)
	require.Equal(t, "logevent", item.DocType)
	// The inferred timestamp comes from the body.
	require.Equal(t, time.Date(2024, 4, 30, 23, 59, 59, 0, time.UTC), item.Timestamp.UTC())
	require.Equal(t, "logstash-2024.04.30", item.IndexName())
}

func TestClassifyInvalid(t *testing.T) {
	var cases = []struct {
		name   string
		ev     consumer.RawEvent
		reason string
	}{
		{
			name:   "missing type and not serilog shaped",
			ev:     rawEvent(`{"foo":1}`, map[string]any{}),
			reason: "Missing or invalid Type",
		},
		{
			name:   "unknown type",
			ev:     rawEvent(`{}`, map[string]any{"Type": "Mystery"}),
			reason: "Missing or invalid Type",
		},
		{
			name:   "non-string type property",
			ev:     rawEvent(`{}`, map[string]any{"Type": int64(7)}),
			reason: "Property Type must be a string, not int64",
		},
		{
			name:   "non-string message id",
			ev:     rawEvent(`{}`, map[string]any{"Type": "SerilogEvent", "MessageId": 3.0}),
			reason: "Property MessageId must be a string, not float64",
		},
		{
			name:   "newline in body",
			ev:     rawEvent("{\"a\":\n1}", map[string]any{"Type": "SerilogEvent"}),
			reason: "Document body contains newlines",
		},
		{
			name:   "invalid utf-8 body",
			ev:     rawEvent(string([]byte{0xff, 0xfe}), map[string]any{"Type": "SerilogEvent"}),
			reason: "Document body is not valid UTF-8",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item, inv := Classify(tc.ev)
			require.Nil(t, item)
			require.NotNil(t, inv)
			require.Equal(t, tc.reason, inv.Reason)
			require.NotEmpty(t, inv.DocID)
			require.False(t, inv.Timestamp.IsZero())
		})
	}
}

func TestClassifyInvalidKeepsSuppliedIdentity(t *testing.T) {
	_, inv := Classify(rawEvent("a\nb", map[string]any{
		"Type":      "SerilogEvent",
		"MessageId": "msg-9",
		"Timestamp": "2024-05-01T08:00:00Z",
	}))
	require.NotNil(t, inv)
	require.Equal(t, "msg-9", inv.DocID)
	require.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), inv.Timestamp.UTC())
	require.Equal(t, "a\nb", inv.Body)
}
