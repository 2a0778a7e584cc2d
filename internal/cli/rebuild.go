package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rebuild-fts",
		Short: "Rebuild the full-text index from the memory table",
		Run:   runRebuild,
	}

	RootCmd.AddCommand(cmd)
}

func runRebuild(cmd *cobra.Command, args []string) {
	svc, done := openService(cmd)
	defer done()

	rep, err := svc.RebuildFTS(cmd.Context())
	if err != nil {
		exitErr("rebuild-fts", err)
	}
	printJSON(rep)
}
