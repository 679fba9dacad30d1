package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/phishforge/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report <export.csv>",
	Short: "Generate a JSON report from a campaign export",
	Long: `Parse the export, resolve every public source address once and write
the correlated views to <output-dir>/YYYYMMDD_HHMMSS.json. When the Splunk
HEC sender is enabled the report is also exported to Splunk.`,
	Example: `  phishforge report campaign_results.csv
  phishforge report --output-dir reports/ --config phishforge.yaml export.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().String("output-dir", "", "directory for the report file (overrides report.output_dir)")
	reportCmd.Flags().Bool("compact", false, "write compact JSON")
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if dir, _ := cmd.Flags().GetString("output-dir"); dir != "" {
		a.cfg.Report.OutputDir = dir
	}
	indent := a.cfg.Report.Indent
	if compact, _ := cmd.Flags().GetBool("compact"); compact {
		indent = false
	}

	doc, err := a.run(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	a.progress.Action("Writing report...")
	path, err := report.NewWriter(a.cfg.Report.OutputDir, indent, a.logger).Write(doc)
	if err != nil {
		return err
	}
	a.progress.Success("Report saved: %s", path)

	if !a.cfg.Splunk.Sender.Enabled {
		return nil
	}

	a.progress.Action("Exporting to Splunk HEC...")
	sender, err := report.NewHECSender(a.cfg.Splunk.Sender, a.logger)
	if err != nil {
		return fmt.Errorf("splunk export: %w", err)
	}
	if err := sender.SendReport(cmd.Context(), doc); err != nil {
		a.logger.Error("Splunk export failed", zap.Error(err))
		return fmt.Errorf("splunk export: %w", err)
	}
	a.progress.Success("Exported %d events to Splunk.", sender.Stats().EventsSent)
	return nil
}
