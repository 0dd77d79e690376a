package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/scale-ingest/internal/monitoring"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail files stuck in PROCESSING",
	Long:  "Marks files that have been PROCESSING for longer than sweep.stuck_after_mins as FAILED so their deliveries can be retried.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		stuckAfter, _ := cmd.Flags().GetDuration("stuck-after")
		if stuckAfter <= 0 {
			stuckAfter = cfg.Sweep.StuckAfter()
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids, err := monitoring.NewSweeper(st, stuckAfter).Sweep(ctx)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "No stuck files.")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintf(os.Stdout, "Failed stuck file %d\n", id)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().Duration("stuck-after", 0, "override the stuck threshold (e.g. 45m)")
	rootCmd.AddCommand(sweepCmd)
}
