package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/watch"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest whenever JSONL files land in the inbox",
		Run:   runWatch,
	}

	cmd.Flags().Duration("debounce", watch.DefaultDebounce, "Quiet period before ingesting")

	RootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	debounce, _ := cmd.Flags().GetDuration("debounce")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	svc, done := openService(cmd)
	defer done()

	// pick up anything that arrived while nobody was watching
	if err := ingestDefault(svc)(ctx); err != nil {
		exitErr("ingest", err)
	}
	cfg := svc.Config()
	w := watch.New(cfg.InboxDirs, ingestDefault(svc), slog.Default(),
		watch.WithDebounce(debounce), watch.WithPattern(cfg.InboxPattern))
	if err := w.Watch(ctx); err != nil {
		exitErr("watch", err)
	}
}
