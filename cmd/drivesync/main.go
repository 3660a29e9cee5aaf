// drivesync mirrors a remote drive into a local node store and answers
// queries, transfers and remote edits against that mirror.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/drivesync/internal/config"
	"github.com/fruitsalade/drivesync/internal/logging"
	"github.com/fruitsalade/drivesync/pkg/drive"

	// Registers the memory driver.
	_ "github.com/fruitsalade/drivesync/pkg/driver/memory"
)

// app carries what every subcommand needs.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := a.rootCommand()
	err := root.ExecuteContext(ctx)
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "drivesync",
		Short:         "Mirror a remote drive and work with it locally",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			cmd.SetContext(logging.NewContext(cmd.Context(), a.log))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		a.syncCommand(),
		a.lsCommand(),
		a.statCommand(),
		a.findCommand(),
		a.downloadCommand(),
		a.uploadCommand(),
		a.mkdirCommand(),
		a.trashCommand(),
		a.mvCommand(),
		a.doctorCommand(),
		a.metricsCommand(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if a.logLevel != "" {
		logging.SetLevel(a.logLevel)
	}
	return nil
}

// withDrive opens the configured drive for the duration of fn. The drive
// logs through the logger carried by ctx.
func (a *app) withDrive(ctx context.Context, fn func(d *drive.Drive) error) error {
	d, err := drive.Open(ctx, a.cfg, nil)
	if err != nil {
		return fmt.Errorf("open drive: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			a.log.Warn("close drive", zap.Error(err))
		}
	}()
	return fn(d)
}
