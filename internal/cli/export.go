package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSONL",
		Long:  "Export every live record as newline-delimited JSON in id order.",
		Run:   runExport,
	}

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	svc, done := openReader(cmd)
	defer done()

	n, err := svc.Export(cmd.Context(), cmd.OutOrStdout())
	if err != nil {
		exitErr("export", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d records\n", n)
}
