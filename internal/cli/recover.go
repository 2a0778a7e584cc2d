package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run emergency recovery",
		Long:  "Rebuild and optimize the index, checkpoint the WAL and verify integrity, stopping at the first failed step.",
		Run:   runRecover,
	}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify index integrity, recovering once on failure",
		Run:   runCheck,
	}

	RootCmd.AddCommand(recoverCmd, checkCmd)
}

func runRecover(cmd *cobra.Command, args []string) {
	svc, done := openService(cmd)
	defer done()

	rep, err := svc.Recover(cmd.Context())
	if err != nil {
		exitErr("recover", err)
	}
	printJSON(rep)
}

func runCheck(cmd *cobra.Command, args []string) {
	svc, done := openService(cmd)
	defer done()

	if err := svc.CheckIntegrity(cmd.Context()); err != nil {
		exitErr("check", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), `{"ok":true}`)
}
