package caingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsDecodedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_ca_records_decoded_total",
	Help: "Number of events decoded into schema records, by schema.",
}, []string{"schema"})
var decodeErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_ca_decode_errors_total",
	Help: "Number of events dropped due to deserialization errors.",
})
var discardedEventsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_ca_discarded_events_total",
	Help: "Number of events with no analytics schema, discarded silently.",
})
var buffersFlushedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_ca_buffers_flushed_total",
	Help: "Number of size- or checkpoint-triggered buffer flushes, by schema.",
}, []string{"schema"})
