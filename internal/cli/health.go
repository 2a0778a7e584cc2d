package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/health"
)

func init() {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check store health",
		Long:  "Report schema version, row counts, triggers, canary search, journal lag and caches.\nExits 2 when the store is failed.",
		Run:   runHealth,
	}

	RootCmd.AddCommand(cmd)
}

func runHealth(cmd *cobra.Command, args []string) {
	svc, done := openReader(cmd)
	snap := svc.Health(cmd.Context())
	done()

	if textFormat() {
		if err := snap.WriteText(os.Stdout); err != nil {
			exitErr("health", err)
		}
	} else {
		printJSON(snap)
	}
	if snap.Status == health.StatusFailed {
		os.Exit(2)
	}
}
