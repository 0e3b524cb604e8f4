package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andersnauman/dmarc-collector/internal/lifecycle"
	"github.com/andersnauman/dmarc-collector/internal/metrics"
	"github.com/andersnauman/dmarc-collector/shared/models"
)

var migrateKind string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move a report alias onto a new partition",
	Long: `Register the current index template for a report kind, create a new partition,
copy every stored report into it and move the alias in one atomic step.

Run this after changing the document mappings.

Examples:
  dmarc-collector migrate --kind aggregate
  dmarc-collector migrate --kind forensic --host https://es:9200 -u elastic -p changeme`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringVar(&migrateKind, "kind", "", "Report kind to migrate (aggregate, forensic)")
	cobra.CheckErr(migrateCmd.MarkFlagRequired("kind"))
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	kind, ok := models.ParseKind(migrateKind)
	if !ok {
		return errors.Errorf("unknown report kind %q", migrateKind)
	}
	if err := cfg.RequireStore(); err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	client, err := connect(cmd.Context(), collector)
	if err != nil {
		return err
	}

	partition, err := lifecycle.NewManager(client, logger, collector).Upgrade(cmd.Context(), kind)
	if err != nil {
		return errors.Wrapf(err, "failed to migrate %s reports", kind)
	}

	logger.WithFields(logrus.Fields{
		"alias":     kind.Alias(),
		"partition": partition,
	}).Info("Migration completed")
	_, err = fmt.Fprintln(cmd.OutOrStdout(), partition)
	return err
}
