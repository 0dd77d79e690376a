package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/scale-ingest/internal/ingest"
	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/source"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest scale export files",
	Long: "Ingests the given CSV or XLSX files, or every pending delivery in the spool directory (--from-spool) " +
		"or FTP drop folder (--from-ftp). Spool and FTP deliveries are moved by outcome once they reach a final status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fromSpool, _ := cmd.Flags().GetBool("from-spool")
		fromFTP, _ := cmd.Flags().GetBool("from-ftp")
		asJSON, _ := cmd.Flags().GetBool("json")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		if len(args) == 0 && !fromSpool && !fromFTP {
			return eris.New("ingest: give file paths, --from-spool or --from-ftp")
		}
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		if concurrency <= 0 {
			concurrency = cfg.Ingest.Concurrency
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orch, err := newOrchestrator(st)
		if err != nil {
			return err
		}

		var items []ingest.BatchItem
		if len(args) > 0 {
			deliveries, err := deliveriesFromArgs(cmd, args)
			if err != nil {
				return err
			}
			batch, err := orch.IngestBatch(ctx, deliveries, concurrency)
			items = append(items, batch...)
			if err != nil {
				return err
			}
		}
		if fromSpool {
			src, err := source.NewDirSource(cfg.Spool, "spool")
			if err != nil {
				return err
			}
			batch, err := orch.Drain(ctx, src, concurrency)
			items = append(items, batch...)
			if err != nil {
				return err
			}
		}
		if fromFTP {
			src, err := source.NewFTPSource(cfg.FTP, cfg.Spool.Pattern, "ftp")
			if err != nil {
				return err
			}
			batch, err := orch.Drain(ctx, src, concurrency)
			items = append(items, batch...)
			if err != nil {
				return err
			}
		}

		if asJSON {
			if err := writeResultsJSON(os.Stdout, items); err != nil {
				return err
			}
		} else {
			formatResults(os.Stdout, items)
		}

		if sum := ingest.Summarize(items); sum.Errors > 0 {
			return eris.Errorf("ingest: %d file(s) could not be processed", sum.Errors)
		}
		return nil
	},
}

// deliveriesFromArgs reads each path and applies the metadata flags.
func deliveriesFromArgs(cmd *cobra.Command, paths []string) ([]source.Delivery, error) {
	from, _ := cmd.Flags().GetString("from")
	subject, _ := cmd.Flags().GetString("subject")
	messageID, _ := cmd.Flags().GetString("message-id")
	received, _ := cmd.Flags().GetString("received")
	label, _ := cmd.Flags().GetString("source")

	receivedAt, err := source.ParseReceived(received)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: --received")
	}
	if messageID != "" && len(paths) > 1 {
		return nil, eris.New("ingest: --message-id applies to a single file")
	}

	out := make([]source.Delivery, 0, len(paths))
	for _, p := range paths {
		d, err := source.ReadFile(p, label)
		if err != nil {
			return nil, err
		}
		d.From = from
		d.Subject = subject
		d.MessageID = messageID
		d.ReceivedAt = receivedAt
		out = append(out, d)
	}
	return out, nil
}

// formatResults writes a table of batch results followed by a summary line.
func formatResults(out io.Writer, items []ingest.BatchItem) {
	if len(items) == 0 {
		_, _ = fmt.Fprintln(out, "No files to ingest.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tSTATUS\tID\tACCEPTED\tINSERTED\tDUPLICATE\tREJECTED\tNOTE")
	_, _ = fmt.Fprintln(w, "----\t------\t--\t--------\t--------\t---------\t--------\t----")
	for _, it := range items {
		if it.Result == nil {
			_, _ = fmt.Fprintf(w, "%s\tERROR\t-\t-\t-\t-\t-\t%s\n", it.Delivery.Filename, shorten(errString(it.Err), 60))
			continue
		}
		r := it.Result
		note := r.Error
		switch {
		case r.Duplicate && r.OriginalStatus != model.FileStatusCompleted:
			note = fmt.Sprintf("duplicate of %d (original %s)", r.DuplicateOf, r.OriginalStatus)
		case r.Duplicate:
			note = fmt.Sprintf("duplicate of %d", r.DuplicateOf)
		case it.Err != nil:
			note = errString(it.Err)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Filename, r.Status, r.FileID,
			r.Outcome.RowsAccepted, r.Outcome.RowsInserted, r.Outcome.RowsDuplicate, r.Outcome.RowsRejected,
			shorten(note, 60),
		)
	}
	_ = w.Flush()

	s := ingest.Summarize(items)
	_, _ = fmt.Fprintf(out, "\n%d completed, %d failed, %d duplicate, %d error(s)\n", s.Completed, s.Failed, s.Duplicates, s.Errors)
}

// batchReport is the --json shape of one batch item.
type batchReport struct {
	Filename string         `json:"filename"`
	Result   *ingest.Result `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func writeResultsJSON(out io.Writer, items []ingest.BatchItem) error {
	reports := make([]batchReport, len(items))
	for i, it := range items {
		reports[i] = batchReport{Filename: it.Delivery.Filename, Result: it.Result, Error: errString(it.Err)}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"files":   reports,
		"summary": ingest.Summarize(items),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// shorten cuts s to n runes with an ellipsis.
func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	ingestCmd.Flags().Bool("from-spool", false, "ingest every pending file in the spool directory")
	ingestCmd.Flags().Bool("from-ftp", false, "ingest every pending file in the FTP drop folder")
	ingestCmd.Flags().String("from", "", "sender email recorded for the given files")
	ingestCmd.Flags().String("subject", "", "email subject recorded for the given files")
	ingestCmd.Flags().String("message-id", "", "email Message-ID recorded for a single file")
	ingestCmd.Flags().String("received", "", "received date (RFC 5322 or RFC 3339)")
	ingestCmd.Flags().String("source", "", "source label for the given files (default from config)")
	ingestCmd.Flags().Int("concurrency", 0, "files processed in parallel (default from config)")
	ingestCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(ingestCmd)
}
