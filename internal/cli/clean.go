package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Deduplicate and rescore stored memories",
		Long: "Run the noise filter, exact and near dedup and scoring over the store.\n" +
			"By default only the cleaned JSONL and a report are written; --destructive deletes the dropped rows.",
		Run: runClean,
	}

	cmd.Flags().Bool("destructive", false, "Delete dropped records from the store")

	RootCmd.AddCommand(cmd)
}

func runClean(cmd *cobra.Command, args []string) {
	destructive, _ := cmd.Flags().GetBool("destructive")

	svc, done := openService(cmd)
	defer done()

	rep, err := svc.Clean(cmd.Context(), destructive)
	if err != nil {
		exitErr("clean", err)
	}
	printJSON(rep)
}
