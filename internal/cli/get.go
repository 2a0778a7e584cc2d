package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Retrieve a memory by id",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	id := parseID(args[0])

	svc, done := openReader(cmd)
	defer done()

	rec, err := svc.Get(cmd.Context(), id)
	if err != nil {
		exitErr("get", err)
	}
	printJSON(rec)
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		exitErr("parse id", fmt.Errorf("%q is not a positive integer", s))
	}
	return id
}
