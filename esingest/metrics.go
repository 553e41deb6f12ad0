package esingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var batchesProcessedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_es_batches_processed_total",
	Help: "Number of event batches processed by the search pipeline.",
})
var documentsIndexedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_es_documents_indexed_total",
	Help: "Number of documents submitted on the normal indexing path.",
})
var invalidEventsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_es_invalid_events_total",
	Help: "Number of events that failed classification and were quarantined.",
})
var failedDocumentsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_es_failed_documents_total",
	Help: "Number of documents rejected item-wise by the bulk endpoint.",
})
var abandonedDocumentsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_es_abandoned_documents_total",
	Help: "Number of documents written to the abandoned-documents index.",
})
