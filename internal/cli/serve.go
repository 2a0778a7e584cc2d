package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/velos-memory/internal/health"
	"github.com/rcliao/velos-memory/internal/metrics"
	"github.com/rcliao/velos-memory/internal/scheduler"
	"github.com/rcliao/velos-memory/internal/server"
	"github.com/rcliao/velos-memory/internal/velos"
	"github.com/rcliao/velos-memory/internal/watch"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with scheduled maintenance",
		Long: "Serve search, record and maintenance endpoints plus /health and /metrics.\n" +
			"Background ingest, clean, recover and health jobs run on the configured schedule.",
		Run: runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().Bool("watch", false, "Ingest as soon as JSONL files land in the inbox")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	watchInbox, _ := cmd.Flags().GetBool("watch")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	svc, done := openService(cmd, velos.WithMetrics(metrics.New()))
	defer done()
	cfg := svc.Config()
	if addr != "" {
		cfg.Server.Addr = addr
	}
	log := slog.Default()

	sched := scheduler.New(log, jobs(svc, log)...)
	sched.Start(ctx)
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.New(svc, cfg.Server, log).Run(gctx)
	})
	if watchInbox {
		g.Go(func() error {
			return watch.New(cfg.InboxDirs, ingestDefault(svc), log, watch.WithPattern(cfg.InboxPattern)).Watch(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		exitErr("serve", err)
	}
}

func jobs(svc *velos.Service, log *slog.Logger) []scheduler.Job {
	every := svc.Config().Schedule
	return []scheduler.Job{
		{Name: "ingest", Every: every.Ingest, Run: ingestDefault(svc)},
		{Name: "clean", Every: every.Clean, Run: func(ctx context.Context) error {
			_, err := svc.Clean(ctx, false)
			return err
		}},
		{Name: "recover", Every: every.Recover, Run: func(ctx context.Context) error {
			rep, err := svc.Recover(ctx)
			if err != nil {
				return err
			}
			if !rep.OK() {
				return fmt.Errorf("recovery finished with status %s", rep.Status)
			}
			return nil
		}},
		{Name: "health", Every: every.Health, Run: func(ctx context.Context) error {
			snap := svc.Health(ctx)
			if snap.Status != health.StatusOK {
				log.Warn("store not healthy", "status", snap.Status, "problems", snap.Problems)
			}
			return nil
		}},
	}
}

func ingestDefault(svc *velos.Service) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := svc.Ingest(ctx, velos.IngestOptions{})
		return err
	}
}
