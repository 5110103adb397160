package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	replication "github.com/jdziat/simple-durable-replication"
	"github.com/jdziat/simple-durable-replication/pkg/config"
	"github.com/jdziat/simple-durable-replication/pkg/stats"
)

type cli struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:          "replicate",
		Short:        "Replicate template section headers into target workbooks",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the configuration")

	cmd.AddCommand(
		c.newMigrateCmd(),
		c.newRunSliceCmd(),
		c.newStatusCmd(),
		c.newCancelCmd(),
		c.newKickCmd(),
		c.newStatsCmd(),
		c.newWorkerCmd(),
	)
	return cmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.logger)
	return nil
}

func (c *cli) open(ctx context.Context) (*replication.Engine, error) {
	return replication.Open(ctx, c.cfg, replication.WithLogger(c.logger))
}

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			cmd.Println("database migrated")
			return nil
		},
	}
}

func (c *cli) newRunSliceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-slice <job>",
		Short: "Run one budget-bounded slice of a job in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			res, runErr := e.RunSlice(cmd.Context(), args[0])
			if res != nil {
				printResult(cmd, res)
			}
			return runErr
		},
	}
}

func printResult(cmd *cobra.Command, res *replication.SliceResult) {
	cmd.Printf("job:       %s\n", res.JobName)
	cmd.Printf("state:     %s\n", res.State)
	cmd.Printf("processed: %d\n", res.Processed)
	cmd.Printf("cursor:    %d/%d\n", res.Cursor, res.TotalUnits)
	cmd.Printf("counts:    %d ok, %d failed, %d skipped\n", res.Counts.Success, res.Counts.Failed, res.Counts.Skipped)
	if res.NextRunIn > 0 {
		cmd.Printf("next run:  in %s\n", res.NextRunIn)
	}
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job>",
		Short: "Show the checkpoint of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				cmd.Printf("%s: not running\n", args[0])
				return nil
			}
			cmd.Printf("%s: %d/%d units (%d ok, %d failed, %d skipped), started %s\n",
				p.JobName, p.Cursor, p.TotalUnits,
				p.Counts.Success, p.Counts.Failed, p.Counts.Skipped,
				p.StartedAt.Format("2006-01-02 15:04:05 MST"))
			if p.LastError != "" {
				cmd.Printf("last error: %s\n", p.LastError)
			}
			return nil
		},
	}
}

func (c *cli) newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job>",
		Short: "Cancel a job: clear its checkpoint and pending continuations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("%s: cancelled\n", args[0])
			return nil
		},
	}
}

func (c *cli) newKickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kick <job>",
		Short: "Queue a job to start on the next worker poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			kicked, err := e.Kick(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if kicked {
				cmd.Printf("%s: queued\n", args[0])
			} else {
				cmd.Printf("%s: already in flight\n", args[0])
			}
			return nil
		},
	}
}

func (c *cli) newStatsCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats <job>",
		Short: "Show slice and unit counters of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			buckets, err := e.Stats(cmd.Context(), args[0], time.Now().Add(-since))
			if err != nil {
				return err
			}
			t := stats.Sum(buckets)[args[0]]
			cmd.Printf("%s, last %s:\n", args[0], since)
			cmd.Printf("slices:      %d (%d yielded, %d failed)\n", t.Slices, t.Yields, t.SliceFailures)
			cmd.Printf("completions: %d\n", t.Completions)
			cmd.Printf("units:       %d ok, %d failed, %d skipped\n", t.UnitsSucceeded, t.UnitsFailed, t.UnitsSkipped)
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}

func (c *cli) newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run continuations and scheduled kick-offs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			c.logger.Info("worker started",
				"jobs", len(c.cfg.Jobs),
				"listen", c.cfg.ListenAddr,
				"concurrency", e.Dispatcher().Config().Concurrency)
			err = e.Start(ctx)
			if errors.Is(err, context.Canceled) {
				c.logger.Info("worker stopped")
				return nil
			}
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		},
	}
}
