package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "karma",
		Short:         "Append-only karma ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (default $KARMA_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newRecomputeCommand(opts))
	return cmd
}

// withApp loads config, wires the app and hands it to fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()
	return fn(ctx, a)
}

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", srv.Addr, "store", a.cfg.Store.Driver, "cache", a.cfg.Cache.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Apply the schema for the configured store. Opening a SQL store always
migrates it, so this command is safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				a.logger.Info("schema up to date", "driver", a.cfg.Store.Driver)
				return nil
			})
		},
	}
}

func newSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one decay sweep and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				res, err := a.scheduler.DecaySweep(ctx, time.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func newRecomputeCommand(opts *RootOptions) *cobra.Command {
	var (
		user    string
		domain  string
		enqueue bool
	)
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute and snapshot a user's trust",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				if enqueue {
					// the in-process queue dies with this command
					if !a.cfg.Kafka.Enabled() {
						return errors.New("--enqueue requires kafka.brokers to be configured")
					}
					job := interfaces.Job{
						ID:     uuid.NewString(),
						Kind:   interfaces.JobRecomputeTrust,
						UserID: user,
						Domain: models.StrPtr(domain),
						At:     time.Now().UTC(),
					}
					if err := a.queue.Enqueue(ctx, job); err != nil {
						return err
					}
					return printJSON(cmd, job)
				}
				snap, err := a.scheduler.RecomputeTrust(ctx, user, models.StrPtr(domain))
				if err != nil {
					return err
				}
				return printJSON(cmd, snap)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.Flags().StringVar(&domain, "domain", "", "restrict to one domain")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "publish a job to the kafka queue instead of running it here")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
