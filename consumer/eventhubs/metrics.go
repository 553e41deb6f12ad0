package eventhubs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var partitionsOwnedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ingest_broker_partitions_owned",
	Help: "Number of partitions currently owned by this host, by consumer group.",
}, []string{"group"})
var eventsReceivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_broker_events_received_total",
	Help: "Number of events received from the broker, by consumer group.",
}, []string{"group"})
var checkpointsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_broker_checkpoints_total",
	Help: "Number of durable checkpoints written, by consumer group.",
}, []string{"group"})
