package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/dashboard"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/retention"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the switchboard with its web dashboard",
		Long: `Starts the HTTP dashboard and API for sending prompts, aborting runs and
following session changes. When retention is configured, idle sessions and
old run records are pruned on its schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides dashboard.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	if n, err := db.AbandonRunning(gormDB, cfg.Group); err != nil {
		return err
	} else if n > 0 {
		fmt.Fprintf(out, "Marked %d runs from a previous process as aborted\n", n)
	}

	store, err := openStore(cfg, gormDB)
	if err != nil {
		return err
	}
	defer store.Close()

	sb, err := newSwitchboard(cfg, store, gormDB, out)
	if err != nil {
		return err
	}
	defer sb.Close()

	if port <= 0 {
		port = cfg.Dashboard.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dashboard.Start(ctx, dashboard.StartOpts{
			Store:   store,
			Runner:  sb,
			DB:      gormDB,
			GroupID: cfg.Group,
			Port:    port,
			Out:     out,
		})
	})

	if cfg.Retention.Enabled() {
		sweeper, err := retention.New(retention.Opts{
			Store:    store,
			DB:       gormDB,
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
			Out:      out,
		})
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		g.Go(func() error { return sweeper.Run(ctx) })
	}

	return g.Wait()
}
