package classify

import "time"

// Index families routed by the classifier and the search pipeline.
const (
	IndexLogstash          = "logstash"
	IndexRoboInteractions  = "robointeractions"
	IndexExternalTelemetry = "externaltelemetry"
	IndexAzureResources    = "azure-resources"
	IndexIngestionStats    = "ingestionstats"
	IndexAbandonedDocs     = "abandoneddocs"
)

// BulkItem is the normalized, index-routed form of one valid event.
type BulkItem struct {
	// IndexBase is the stable index family name.
	IndexBase string
	// DocType discriminates document kinds within an index family.
	DocType string
	// DocID uniquely identifies the document.
	DocID string
	// Timestamp is the logical record time, which also selects the daily
	// index for time-partitioned families.
	Timestamp time.Time
	// EnqueueTime is the broker-assigned enqueue time of the source event.
	EnqueueTime time.Time
	// Body is the document source. It never contains a newline byte; events
	// violating that are classified invalid instead.
	Body string
	// FlatIndex marks families that are not partitioned by day.
	FlatIndex bool
}

// IndexName resolves the destination index: the bare family for flat
// families, otherwise the family suffixed with the UTC day of Timestamp.
func (b *BulkItem) IndexName() string {
	if b.FlatIndex {
		return b.IndexBase
	}
	return b.IndexBase + "-" + b.Timestamp.UTC().Format("2006.01.02")
}

// InvalidItem is an event that could not become a valid BulkItem. It carries
// no routing fields and is quarantined without ever being submitted on the
// normal path.
type InvalidItem struct {
	DocID       string
	Timestamp   time.Time
	EnqueueTime time.Time
	Body        string
	Reason      string
}
