package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/ingest/caingest"
	"github.com/driftline/ingest/consumer/eventhubs"
	"github.com/driftline/ingest/esbulk"
	"github.com/driftline/ingest/esingest"
	"github.com/driftline/ingest/schemasink"
)

// Config is the top-level configuration object of the ingest daemon.
var Config = new(struct {
	Broker struct {
		ConnectionString        string        `long:"connection" env:"CONNECTION" required:"true" description:"Event Hub connection string"`
		EventHub                string        `long:"event-hub" env:"EVENT_HUB" default:"telemetry" description:"Event Hub name"`
		StorageConnectionString string        `long:"storage-connection" env:"STORAGE_CONNECTION" required:"true" description:"Connection string of the checkpoint storage account"`
		CheckpointContainer     string        `long:"checkpoint-container" env:"CHECKPOINT_CONTAINER" default:"ingest-checkpoints" description:"Blob container holding partition checkpoints"`
		BatchSize               int           `long:"batch-size" env:"BATCH_SIZE" default:"100" description:"Maximum events per delivered batch"`
		ReceiveTimeout          time.Duration `long:"receive-timeout" env:"RECEIVE_TIMEOUT" default:"10s" description:"Bound on a single batch receive"`
	} `group:"Broker" namespace:"broker" env-namespace:"BROKER"`

	Elastic struct {
		Disabled           bool          `long:"disabled" env:"DISABLED" description:"Disable the Elasticsearch pipeline"`
		URL                []string      `long:"url" env:"URL" env-delim:"," default:"http://localhost:9200" description:"Elasticsearch node URL (may be repeated)"`
		Username           string        `long:"username" env:"USERNAME" description:"Elasticsearch basic-auth username"`
		Password           string        `long:"password" env:"PASSWORD" description:"Elasticsearch basic-auth password"`
		ConsumerGroup      string        `long:"consumer-group" env:"CONSUMER_GROUP" default:"$Default" description:"Consumer group of the Elasticsearch pipeline"`
		CheckpointInterval time.Duration `long:"checkpoint-interval" env:"CHECKPOINT_INTERVAL" default:"1m" description:"Minimum interval between partition checkpoints"`
		Stats              bool          `long:"stats" env:"STATS" description:"Index per-batch ingestion statistics documents"`
	} `group:"Elastic" namespace:"es" env-namespace:"ES"`

	Analytics struct {
		Disabled             bool          `long:"disabled" env:"DISABLED" description:"Disable the analytics pipeline"`
		ConsumerGroup        string        `long:"consumer-group" env:"CONSUMER_GROUP" default:"analytics" description:"Consumer group of the analytics pipeline"`
		StorageConnections   string        `long:"storage-connections" env:"STORAGE_CONNECTIONS" description:"Comma-separated connection strings of the blob accounts receiving schema blobs"`
		BaseContainer        string        `long:"base-container" env:"BASE_CONTAINER" default:"driftline" description:"Base name of hour-keyed blob containers"`
		Endpoint             string        `long:"endpoint" env:"ENDPOINT" description:"Analytics notification endpoint URL"`
		InstrumentationKey   string        `long:"instrumentation-key" env:"INSTRUMENTATION_KEY" description:"Analytics instrumentation key"`
		LogSchemaID          string        `long:"log-schema-id" env:"LOG_SCHEMA_ID" description:"Open schema id of Log records"`
		InteractionsSchemaID string        `long:"interactions-schema-id" env:"INTERACTIONS_SCHEMA_ID" description:"Open schema id of Interactions records"`
		BufferBytes          int           `long:"buffer-bytes" env:"BUFFER_BYTES" default:"4194304" description:"Per-schema flush buffer capacity in bytes"`
		Compress             bool          `long:"compress" env:"COMPRESS" description:"Gzip flushed schema blobs"`
		CheckpointInterval   time.Duration `long:"checkpoint-interval" env:"CHECKPOINT_INTERVAL" default:"3m" description:"Minimum interval between partition checkpoints"`
		Stats                bool          `long:"stats" env:"STATS" description:"Append batch statistics records to the Log schema"`
	} `group:"Analytics" namespace:"ca" env-namespace:"CA"`

	Metrics struct {
		Port string `long:"port" env:"PORT" default:"8080" description:"Port of the metrics and health endpoint"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog()

	log.WithFields(log.Fields{
		"eventHub":  Config.Broker.EventHub,
		"esGroup":   Config.Elastic.ConsumerGroup,
		"caGroup":   Config.Analytics.ConsumerGroup,
		"batchSize": Config.Broker.BatchSize,
	}).Info("ingestd configuration")

	if Config.Elastic.Disabled && Config.Analytics.Disabled {
		return errors.New("both pipelines are disabled; nothing to do")
	}

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	var group, groupCtx = errgroup.WithContext(ctx)

	if !Config.Elastic.Disabled {
		var client, err = elasticsearch.NewClient(elasticsearch.Config{
			Addresses: Config.Elastic.URL,
			Username:  Config.Elastic.Username,
			Password:  Config.Elastic.Password,
		})
		must(err, "building Elasticsearch client")

		var host = eventhubs.NewHost(brokerConfig(Config.Elastic.ConsumerGroup),
			esingest.NewFactory(esbulk.NewSubmitter(client), esingest.Config{
				StatsEnabled:       Config.Elastic.Stats,
				CheckpointInterval: Config.Elastic.CheckpointInterval,
			}))
		group.Go(func() error { return host.Run(groupCtx) })
	}

	if !Config.Analytics.Disabled {
		var accounts, err = schemasink.NewAzureAccounts(Config.Analytics.StorageConnections)
		must(err, "building analytics blob accounts")
		logSchemaID, err := uuid.Parse(Config.Analytics.LogSchemaID)
		must(err, "parsing --ca.log-schema-id")
		interactionsSchemaID, err := uuid.Parse(Config.Analytics.InteractionsSchemaID)
		must(err, "parsing --ca.interactions-schema-id")

		var notifier = &schemasink.Notifier{
			Endpoint:           Config.Analytics.Endpoint,
			InstrumentationKey: Config.Analytics.InstrumentationKey,
			Client:             &http.Client{Timeout: 30 * time.Second},
		}
		var host = eventhubs.NewHost(brokerConfig(Config.Analytics.ConsumerGroup),
			caingest.NewFactory(accounts, notifier, caingest.Config{
				CheckpointInterval:   Config.Analytics.CheckpointInterval,
				StatsEnabled:         Config.Analytics.Stats,
				BufferBytes:          Config.Analytics.BufferBytes,
				Compress:             Config.Analytics.Compress,
				BaseContainer:        Config.Analytics.BaseContainer,
				LogSchemaID:          logSchemaID,
				InteractionsSchemaID: interactionsSchemaID,
			}))
		group.Go(func() error { return host.Run(groupCtx) })
	}

	queueMetricsServer(group, groupCtx)

	var err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("goodbye")
	return nil
}

// brokerConfig builds the host configuration for one consumer group. Both
// pipelines read the same hub and share the checkpoint container; their
// checkpoints are namespaced by group.
func brokerConfig(consumerGroup string) eventhubs.Config {
	return eventhubs.Config{
		ConnectionString:        Config.Broker.ConnectionString,
		EventHub:                Config.Broker.EventHub,
		ConsumerGroup:           consumerGroup,
		StorageConnectionString: Config.Broker.StorageConnectionString,
		CheckpointContainer:     Config.Broker.CheckpointContainer,
		BatchSize:               Config.Broker.BatchSize,
		ReceiveTimeout:          Config.Broker.ReceiveTimeout,
	}
}

func queueMetricsServer(group *errgroup.Group, ctx context.Context) {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	var srv = &http.Server{Addr: ":" + Config.Metrics.Port, Handler: mux}

	group.Go(func() error {
		log.WithField("addr", srv.Addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func initLog() {
	if Config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(Config.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

// must logs a fatal error with context, mirroring a failed precondition of
// daemon startup.
func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as ingest daemon", `
Serve the ingestion pipelines with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		log.WithField("err", err).Fatal("parsing configuration")
	}
}
