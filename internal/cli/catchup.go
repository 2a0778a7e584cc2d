package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Apply journal entries the store has not seen",
		Run:   runCatchUp,
	}

	RootCmd.AddCommand(cmd)
}

func runCatchUp(cmd *cobra.Command, args []string) {
	svc, done := openService(cmd)
	defer done()

	n, err := svc.CatchUp(cmd.Context())
	if err != nil {
		exitErr("catchup", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"applied":%d}`+"\n", n)
}
