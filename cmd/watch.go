package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/scale-ingest/internal/ingest"
	"github.com/sells-group/scale-ingest/internal/monitoring"
	"github.com/sells-group/scale-ingest/internal/source"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously ingest deliveries from the spool and FTP drop folder",
	Long: "Polls the configured spool directory and FTP drop folder, ingests new deliveries and " +
		"periodically fails files stuck in PROCESSING. Stops on SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		once, _ := cmd.Flags().GetBool("once")
		if err := cfg.Validate("watch"); err != nil {
			return err
		}

		sources, err := watchSources()
		if err != nil {
			return err
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

		w := &watcher{
			orch:        orch,
			sources:     sources,
			sweeper:     monitoring.NewSweeper(st, cfg.Sweep.StuckAfter()),
			concurrency: cfg.Ingest.Concurrency,
			poll:        rate.NewLimiter(rate.Every(time.Duration(cfg.Watch.IntervalSecs)*time.Second), 1),
			sweepEvery:  time.Duration(cfg.Sweep.IntervalSecs) * time.Second,
		}
		if once {
			w.pass(ctx)
			return nil
		}
		return w.run(ctx)
	},
}

// watchSources returns the configured delivery sources.
func watchSources() ([]source.Source, error) {
	var out []source.Source
	if cfg.Spool.Dir != "" {
		src, err := source.NewDirSource(cfg.Spool, "spool")
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if cfg.FTP.Addr != "" {
		src, err := source.NewFTPSource(cfg.FTP, cfg.Spool.Pattern, "ftp")
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		return nil, eris.New("watch: configure spool.dir or ftp.addr")
	}
	return out, nil
}

type watcher struct {
	orch        *ingest.Orchestrator
	sources     []source.Source
	sweeper     *monitoring.Sweeper
	concurrency int
	poll        *rate.Limiter
	sweepEvery  time.Duration
	lastSweep   time.Time
}

func (w *watcher) run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "watch"))
	log.Info("watching for deliveries", zap.Int("sources", len(w.sources)), zap.Float64("polls_per_sec", float64(w.poll.Limit())))

	for {
		if err := w.poll.Wait(ctx); err != nil {
			log.Info("watch stopped")
			return nil
		}
		w.pass(ctx)
	}
}

// pass drains every source once and sweeps stuck files when due.
func (w *watcher) pass(ctx context.Context) {
	log := zap.L().With(zap.String("component", "watch"))

	for _, src := range w.sources {
		items, err := w.orch.Drain(ctx, src, w.concurrency)
		if err != nil {
			log.Error("watch: drain source", zap.Error(err))
			continue
		}
		if len(items) > 0 {
			s := ingest.Summarize(items)
			log.Info("watch: pass complete",
				zap.Int("completed", s.Completed),
				zap.Int("failed", s.Failed),
				zap.Int("duplicates", s.Duplicates),
				zap.Int("errors", s.Errors),
			)
		}
	}

	if ctx.Err() != nil || time.Since(w.lastSweep) < w.sweepEvery {
		return
	}
	if _, err := w.sweeper.Sweep(ctx); err != nil {
		log.Error("watch: sweep", zap.Error(err))
		return
	}
	w.lastSweep = time.Now()
}

func init() {
	watchCmd.Flags().Bool("once", false, "run a single pass and exit")
	rootCmd.AddCommand(watchCmd)
}
