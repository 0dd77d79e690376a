package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/monitoring"
)

// metricsReport is everything the metrics command prints.
type metricsReport struct {
	Status   map[model.FileStatus]int64 `json:"status"`
	Snapshot *monitoring.Snapshot       `json:"snapshot"`
	Scales   []model.ScaleStat          `json:"scales"`
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show file status counts, recent health and per-scale statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		lookback, _ := cmd.Flags().GetDuration("lookback")
		asJSON, _ := cmd.Flags().GetBool("json")
		if lookback <= 0 {
			lookback = time.Duration(cfg.Monitoring.LookbackHours) * time.Hour
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reader := monitoring.NewReader(st, cfg.Sweep.StuckAfter())
		var rep metricsReport
		if rep.Status, err = reader.StatusCounts(ctx); err != nil {
			return eris.Wrap(err, "metrics")
		}
		if rep.Snapshot, err = reader.Snapshot(ctx, lookback); err != nil {
			return eris.Wrap(err, "metrics")
		}
		if rep.Scales, err = reader.ScaleStats(ctx); err != nil {
			return eris.Wrap(err, "metrics")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		formatMetrics(os.Stdout, rep)
		return nil
	},
}

func init() {
	metricsCmd.Flags().Duration("lookback", 0, "window for the health snapshot (default from config)")
	metricsCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(metricsCmd)
}

// formatMetrics writes the report as aligned text.
func formatMetrics(out io.Writer, rep metricsReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "Files by status:")
	for _, s := range model.FileStatuses() {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", s, rep.Status[s])
	}

	if snap := rep.Snapshot; snap != nil {
		_, _ = fmt.Fprintf(w, "\nLast %dh:\n", snap.LookbackHours)
		_, _ = fmt.Fprintf(w, "  Files:\t%d\n", snap.Total)
		_, _ = fmt.Fprintf(w, "  Failure rate:\t%.1f%%\n", snap.FailureRate*100)
		_, _ = fmt.Fprintf(w, "  Avg processing:\t%.0fms\n", snap.AvgDurationMs)
		_, _ = fmt.Fprintf(w, "  Stuck files:\t%d\n", snap.StuckFiles)
	}
	_ = w.Flush()

	if len(rep.Scales) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SCALE\tTRANSACTIONS\tSUCCESS\tTOTAL_FILL_KG\tAVG_FILL_KG\tAVG_FILL_S\tLAST_ACTIVITY")
	for _, s := range rep.Scales {
		last := "-"
		if s.LastActivity != nil {
			last = s.LastActivity.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%s\t%s\t%.1f\t%s\n",
			s.ScaleName, s.Transactions, s.SuccessRate*100,
			s.TotalFillKg.StringFixed(3), s.AvgFillKg.StringFixed(3), s.AvgFillSeconds, last,
		)
	}
	_ = w.Flush()
}
