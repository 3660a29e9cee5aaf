package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/drivesync/internal/events"
	"github.com/fruitsalade/drivesync/pkg/drive"
	"github.com/fruitsalade/drivesync/pkg/models"
)

func (a *app) syncCommand() *cobra.Command {
	var (
		asJSON   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull remote changes into the mirror, printing each one",
		Long: "Pull remote changes into the mirror until it reaches the head of the\n" +
			"change feed. With --interval, keep syncing until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				if interval <= 0 {
					return runPass(ctx, d, out, asJSON)
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := runPass(ctx, d, out, asJSON); err != nil {
						if ctx.Err() != nil {
							return nil
						}
						a.log.Error("sync pass failed", zap.Error(err))
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the sync at this interval")
	return cmd
}

func runPass(ctx context.Context, d *drive.Drive, out io.Writer, asJSON bool) error {
	p, err := d.Sync(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	for p.Next(ctx) {
		if err := printEvent(out, p.Event(), asJSON); err != nil {
			return err
		}
	}
	if err := p.Err(); err != nil {
		return err
	}
	rep := p.Report()
	if !asJSON {
		fmt.Fprintf(out, "synced %d changes in %d batches, cursor %q (%s)\n",
			rep.Applied, rep.Batches, rep.Cursor, rep.Duration.Round(time.Millisecond))
	}
	return nil
}

func printEvent(out io.Writer, ev models.Event, asJSON bool) error {
	if asJSON {
		data, err := events.MarshalEvent(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	}
	switch {
	case ev.Kind == models.EventConflict:
		_, err := fmt.Fprintf(out, "%-9s %s: %s\n", ev.Kind, ev.NodeID, ev.Reason)
		return err
	case ev.PathBefore != "" && ev.PathAfter != "" && ev.PathBefore != ev.PathAfter:
		_, err := fmt.Fprintf(out, "%-9s %s -> %s\n", ev.Kind, ev.PathBefore, ev.PathAfter)
		return err
	case ev.PathAfter != "":
		_, err := fmt.Fprintf(out, "%-9s %s\n", ev.Kind, ev.PathAfter)
		return err
	case ev.PathBefore != "":
		_, err := fmt.Fprintf(out, "%-9s %s\n", ev.Kind, ev.PathBefore)
		return err
	default:
		_, err := fmt.Fprintf(out, "%-9s %s\n", ev.Kind, ev.NodeID)
		return err
	}
}
