package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/andersnauman/dmarc-collector/internal/processor"
	"github.com/andersnauman/dmarc-collector/internal/source"
	"github.com/andersnauman/dmarc-collector/shared/models"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Check a report folder without storing anything",
	Long: `Read every report file in the folder and classify its records the way the
collector would, without contacting Elasticsearch.

Examples:
  dmarc-collector scan
  dmarc-collector scan -f ./reports --recursive=false`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

// ScanResult counts records by how the collector would treat them.
type ScanResult struct {
	Files     int
	Records   int
	Aggregate int
	Forensic  int
	Unknown   int
	Malformed int
}

func runScan(cmd *cobra.Command, _ []string) error {
	folder := source.NewFolder(cfg.Source, logger)
	batches, err := folder.Load(cmd.Context())
	if err != nil {
		return err
	}

	result := ScanResult{Files: len(batches)}
	result.Add(source.Flatten(batches))
	return result.Write(cmd.OutOrStdout(), cfg.Source.Folder)
}

// Add classifies records into the result.
func (r *ScanResult) Add(records []json.RawMessage) {
	for _, raw := range records {
		r.Records++
		rec, err := processor.Classify(raw)
		if err != nil {
			var violation *models.SchemaViolation
			if errors.As(err, &violation) {
				r.Malformed++
				continue
			}
			r.Unknown++
			continue
		}

		switch rec.(type) {
		case processor.AggregateRecord:
			r.Aggregate++
		case processor.ForensicRecord:
			r.Forensic++
		default:
			r.Unknown++
		}
	}
}

func (r ScanResult) Write(w io.Writer, folder string) error {
	_, err := fmt.Fprintf(w, `Folder:     %s
Files:      %d
Records:    %d
  Aggregate %d
  Forensic  %d
  Unknown   %d
  Malformed %d
`, folder, r.Files, r.Records, r.Aggregate, r.Forensic, r.Unknown, r.Malformed)
	return err
}
