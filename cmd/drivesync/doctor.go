package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/drivesync/internal/metrics"
	"github.com/fruitsalade/drivesync/pkg/drive"
)

func (a *app) doctorCommand() *cobra.Command {
	var reindex, reset bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Report duplicates and orphans in the mirror",
		Long: "Report same-name siblings, unresolved placeholders and nodes with\n" +
			"unknown parents. --reindex rebuilds the path index; --reset wipes\n" +
			"the mirror so the next sync starts over.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				if reset {
					if err := d.Reset(ctx); err != nil {
						return err
					}
					fmt.Fprintln(out, "mirror reset")
					return nil
				}
				if reindex {
					if err := d.Reindex(ctx); err != nil {
						return err
					}
				}

				stats, err := d.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "nodes: %d, indexed: %d, cursor: %q, seq: %d\n",
					stats.Nodes, stats.Indexed, stats.Cursor, stats.Seq)

				dups, err := d.FindDuplicates(ctx)
				if err != nil {
					return err
				}
				for _, group := range dups {
					fmt.Fprintf(out, "duplicate %q under %s:", group[0].Name, group[0].ParentID)
					for _, n := range group {
						fmt.Fprintf(out, " %s", n.ID)
					}
					fmt.Fprintln(out)
				}

				orphans, err := d.FindOrphans(ctx)
				if err != nil {
					return err
				}
				for _, n := range orphans {
					if n.Provisional {
						fmt.Fprintf(out, "placeholder %s\n", n.ID)
					} else {
						fmt.Fprintf(out, "orphan %s (%q, parent %s)\n", n.ID, n.Name, n.ParentID)
					}
				}
				if len(dups) == 0 && len(orphans) == 0 {
					fmt.Fprintln(out, "no problems found")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reindex, "reindex", false, "rebuild the path index first")
	cmd.Flags().BoolVar(&reset, "reset", false, "wipe the mirror")
	return cmd
}

func (a *app) metricsCommand() *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics while syncing periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.MetricsAddr
			}
			if addr == "" {
				addr = ":9090"
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

				errc := make(chan error, 1)
				go func() {
					a.log.Info("metrics server started", zap.String("addr", addr))
					errc <- srv.ListenAndServe()
				}()
				looped := make(chan struct{})
				go func() {
					defer close(looped)
					a.syncLoop(ctx, d, interval)
				}()
				defer func() {
					cancel()
					<-looped
				}()

				select {
				case err := <-errc:
					return err
				case <-ctx.Done():
				}
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, then :9090)")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "sync interval, 0 disables syncing")
	return cmd
}

func (a *app) syncLoop(ctx context.Context, d *drive.Drive, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rep, err := d.SyncAll(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			a.log.Error("sync failed", zap.Error(err))
		case rep.Applied > 0:
			a.log.Info("synced", zap.Int("applied", rep.Applied), zap.String("cursor", rep.Cursor))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
