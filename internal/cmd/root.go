package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andersnauman/dmarc-collector/internal/config"
	"github.com/andersnauman/dmarc-collector/internal/dedup"
	"github.com/andersnauman/dmarc-collector/internal/kafka"
	"github.com/andersnauman/dmarc-collector/internal/lifecycle"
	"github.com/andersnauman/dmarc-collector/internal/metrics"
	"github.com/andersnauman/dmarc-collector/internal/processor"
	"github.com/andersnauman/dmarc-collector/internal/source"
	"github.com/andersnauman/dmarc-collector/internal/store"
)

var (
	v      = config.NewViper()
	logger = logrus.New()
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dmarc-collector",
	Short: "Collect DMARC reports into Elasticsearch",
	Long: `dmarc-collector reads parsed DMARC aggregate and forensic reports from a folder
and stores each report once in Elasticsearch, behind one alias per report kind.

Every flag can also be set through the environment with a DMARC_ prefix,
for example DMARC_HOST, DMARC_USER and DMARC_PASSWORD.

Example:
  dmarc-collector --host https://localhost:9200 -u elastic -p changeme
  dmarc-collector -f ./reports --recursive=false --verbose
  dmarc-collector scan -f ./reports
  dmarc-collector migrate --kind aggregate`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runCollect,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String(config.KeyHost, "", "Elasticsearch address, comma separated for several nodes (required)")
	flags.StringP(config.KeyUser, "u", "", "Elasticsearch username (required)")
	flags.StringP(config.KeyPassword, "p", "", "Elasticsearch password (required)")
	flags.Bool(config.KeyInsecure, v.GetBool(config.KeyInsecure), "Skip TLS certificate verification")
	flags.Duration(config.KeyRequestTimeout, v.GetDuration(config.KeyRequestTimeout), "Timeout for a single Elasticsearch request")
	flags.Duration(config.KeyReindexTimeout, v.GetDuration(config.KeyReindexTimeout), "Timeout for copying documents into a new partition")
	flags.BoolP(config.KeyVerbose, "v", v.GetBool(config.KeyVerbose), "Enable debug logging")
	flags.String(config.KeyLogFormat, v.GetString(config.KeyLogFormat), "Log format (json, text)")
	flags.StringP(config.KeyFolder, "f", v.GetString(config.KeyFolder), "Folder holding parsed reports")
	flags.BoolP(config.KeyRecursive, "r", v.GetBool(config.KeyRecursive), "Scan sub folders")

	flags.Duration(config.KeyConnectInitial, v.GetDuration(config.KeyConnectInitial), "First delay between connection attempts")
	flags.Float64(config.KeyConnectFactor, v.GetFloat64(config.KeyConnectFactor), "Growth factor of the connection delay")
	flags.Duration(config.KeyConnectMaxDelay, v.GetDuration(config.KeyConnectMaxDelay), "Longest delay between connection attempts")
	flags.Duration(config.KeyConnectDeadline, v.GetDuration(config.KeyConnectDeadline), "Give up connecting after this long (0 for no limit)")
	flags.Int(config.KeyConnectAttempts, v.GetInt(config.KeyConnectAttempts), "Give up connecting after this many attempts (0 for no limit)")
	flags.Bool(config.KeyConnectForever, v.GetBool(config.KeyConnectForever), "Wait for Elasticsearch without any limit")

	local := rootCmd.Flags()
	local.String(config.KeyKafkaBrokers, v.GetString(config.KeyKafkaBrokers), "Kafka brokers for stored report events, comma separated")
	local.String(config.KeyKafkaTopic, v.GetString(config.KeyKafkaTopic), "Kafka topic for stored report events")
	local.String(config.KeyPushgateway, v.GetString(config.KeyPushgateway), "Prometheus pushgateway URL")

	cobra.CheckErr(v.BindPFlags(flags))
	cobra.CheckErr(v.BindPFlags(local))
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setup(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded
	configureLogger(logger, cfg.Logging)
	return nil
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger.SetLevel(logrus.InfoLevel)
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
}

func runCollect(cmd *cobra.Command, _ []string) error {
	if err := cfg.RequireStore(); err != nil {
		return err
	}
	ctx := cmd.Context()

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	defer pushMetrics(collector)

	src, err := source.NewSource(cfg.Source, logger)
	if err != nil {
		return err
	}
	batches, err := src.Load(ctx)
	if err != nil {
		return err
	}
	records := source.Flatten(batches)
	logger.WithFields(logrus.Fields{
		"folder":  cfg.Source.Folder,
		"files":   len(batches),
		"records": len(records),
	}).Info("Reports loaded")

	client, err := connect(ctx, collector)
	if err != nil {
		return err
	}

	publisher := newPublisher(collector)
	defer publisher.Close()

	manager := lifecycle.NewManager(client, logger, collector)
	reports := processor.NewReportProcessor(manager, dedup.NewMatcher(client), client, publisher, collector, logger)

	summary := reports.ProcessBatch(ctx, records)
	if summary.Failed > 0 {
		logger.WithField("failed", summary.Failed).Warn("Some reports could not be stored")
	}
	return nil
}

// connect waits for Elasticsearch according to the retry settings.
func connect(ctx context.Context, collector *metrics.Collector) (*store.Client, error) {
	dial := func(ctx context.Context) (*store.Client, error) {
		client, info, err := store.Dial(ctx, cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"cluster": info.ClusterName,
			"node":    info.Name,
			"version": info.Version,
		}).Info("Connected to Elasticsearch")
		return client, nil
	}

	return processor.AcquireConnection(ctx, dial, processor.RetryPolicyFromConfig(cfg.Retry), logger, collector)
}

func newPublisher(collector *metrics.Collector) kafka.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		return kafka.Noop{}
	}
	return kafka.NewProducer(cfg.Kafka, logger, collector)
}

func pushMetrics(collector *metrics.Collector) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}
	if err := collector.Push(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		logger.WithError(err).Warn("Failed to push metrics")
	}
}
