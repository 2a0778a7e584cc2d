package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/ingest"
	"github.com/rcliao/velos-memory/internal/velos"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest [paths...]",
		Short: "Ingest inbox JSONL and reflections",
		Long: "Read the configured inbox directories and reflections, drop noise and duplicates,\n" +
			"score what is left and commit it through the journal. Paths name JSONL files or\n" +
			"directories to read instead of the configured inbox.",
		Run: runIngest,
	}

	cmd.Flags().Bool("dry-run", false, "Write the report but store nothing")
	cmd.Flags().String("reflections", "", "Reflections directory to read instead of the configured one")

	RootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	reflections, _ := cmd.Flags().GetString("reflections")

	var sources []ingest.Source
	for _, p := range args {
		sources = append(sources, ingest.JSONLDir{Path: p})
	}
	if reflections != "" {
		sources = append(sources, ingest.Reflections{Path: reflections})
	}

	svc, done := openService(cmd)
	defer done()

	rep, err := svc.Ingest(cmd.Context(), velos.IngestOptions{Sources: sources, DryRun: dryRun})
	if err != nil {
		exitErr("ingest", err)
	}
	printJSON(rep)
}
