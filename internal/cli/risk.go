package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Tag stored memories by operational risk",
		Long:  "Score every record for risk keywords and recency and write an advisory report.",
		Run:   runRisk,
	}

	RootCmd.AddCommand(cmd)
}

func runRisk(cmd *cobra.Command, args []string) {
	svc, done := openReader(cmd)
	defer done()

	rep, err := svc.Risk(cmd.Context())
	if err != nil {
		exitErr("risk", err)
	}
	printJSON(rep)
}
