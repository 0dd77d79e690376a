package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/scale-ingest/internal/fingerprint"
	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/monitoring"
	"github.com/sells-group/scale-ingest/internal/resilience"
	"github.com/sells-group/scale-ingest/internal/store"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Inspect ingested files",
	Long:  "Commands for listing, viewing, and deleting ingestion file records.",
}

// -- files list --

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion files, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		sha, _ := cmd.Flags().GetString("sha256")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.FileFilter{
			Status:      model.FileStatus(status),
			Fingerprint: sha,
			Limit:       limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("files list: unknown status %q", status)
		}
		if since > 0 {
			filter.Since = time.Now().UTC().Add(-since)
		}

		files, err := resilience.DoVal(ctx, readRetry("list files"), func(ctx context.Context) ([]model.IngestionFile, error) {
			return st.ListFiles(ctx, filter)
		})
		if err != nil {
			return eris.Wrap(err, "files list")
		}

		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "No files found.")
			return nil
		}

		formatFilesList(os.Stdout, files)
		return nil
	},
}

// -- files show --

var filesShowCmd = &cobra.Command{
	Use:   "show <file-id>",
	Short: "Show a file with its transaction counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseFileID(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reader := monitoring.NewReader(st, cfg.Sweep.StuckAfter())
		fs, err := resilience.DoVal(ctx, readRetry("file stats"), func(ctx context.Context) (*monitoring.FileStats, error) {
			return reader.FileStats(ctx, id)
		})
		if err != nil {
			return eris.Wrap(err, "files show")
		}

		out := struct {
			*monitoring.FileStats
			Sample []model.ScaleTransaction `json:"transactions,omitempty"`
		}{FileStats: fs}

		if n, _ := cmd.Flags().GetInt("transactions"); n > 0 {
			out.Sample, err = st.ListTransactions(ctx, id, n)
			if err != nil {
				return eris.Wrap(err, "files show")
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- files find --

var filesFindCmd = &cobra.Command{
	Use:   "find <path>",
	Short: "Show every record of a local file's content",
	Long:  "Fingerprints a local file and prints the canonical ingestion record for that content together with every duplicate delivery recorded against it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sha, err := fingerprintFile(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reader := monitoring.NewReader(st, cfg.Sweep.StuckAfter())
		h, err := resilience.DoVal(ctx, readRetry("content history"), func(ctx context.Context) (*monitoring.ContentHistory, error) {
			return reader.History(ctx, sha)
		})
		if err != nil {
			return eris.Wrap(err, "files find")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	},
}

// fingerprintFile streams path through the content fingerprint.
func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	sha, _, err := fingerprint.SumReader(f)
	if err != nil {
		return "", eris.Wrapf(err, "fingerprint %s", path)
	}
	return sha, nil
}

// -- files delete --

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <file-id>",
	Short: "Delete a file with its transactions and duplicate records",
	Long: "Deletes a file record together with its transactions and the duplicate records pointing at it. " +
		"Deleting a FAILED file clears its fingerprint, so the same bytes (for example a copy kept in the failed folder) can be ingested again.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseFileID(args[0])
		if err != nil {
			return err
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return eris.Errorf("files delete: refusing to delete file %d without --yes", id)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteFile(ctx, id); err != nil {
			return eris.Wrap(err, "files delete")
		}
		fmt.Fprintf(os.Stdout, "Deleted file %d.\n", id)
		return nil
	},
}

func init() {
	filesListCmd.Flags().String("status", "", "filter by status (NEW, PROCESSING, COMPLETED, FAILED, DUPLICATE)")
	filesListCmd.Flags().String("sha256", "", "filter by content fingerprint")
	filesListCmd.Flags().Duration("since", 0, "only files created within this window (e.g. 24h)")
	filesListCmd.Flags().Int("limit", 50, "max number of files to display")

	filesShowCmd.Flags().Int("transactions", 0, "also print up to N transactions from the file")

	filesDeleteCmd.Flags().Bool("yes", false, "confirm deletion")

	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesShowCmd)
	filesCmd.AddCommand(filesFindCmd)
	filesCmd.AddCommand(filesDeleteCmd)
	rootCmd.AddCommand(filesCmd)
}

func parseFileID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid file id %q", s)
	}
	return id, nil
}

// formatFilesList writes a tabular list of files to out.
func formatFilesList(out io.Writer, files []model.IngestionFile) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILENAME\tSTATUS\tSHA256\tROWS\tRECEIVED\tNOTE")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t------\t----\t--------\t----")

	for _, f := range files {
		received := f.CreatedAt
		if f.ReceivedAt != nil {
			received = *f.ReceivedAt
		}

		note := f.Error
		if f.DuplicateOf != nil {
			note = fmt.Sprintf("duplicate of %d", *f.DuplicateOf)
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			f.ID,
			shorten(f.Filename, 30),
			f.Status,
			shortSHA(f.SHA256),
			f.Outcome.RowsInserted,
			f.Outcome.RowsAccepted,
			received.Format("2006-01-02 15:04"),
			shorten(note, 50),
		)
	}
	_ = w.Flush()
}

// shortSHA returns the first 12 characters of a fingerprint for compact display.
func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
