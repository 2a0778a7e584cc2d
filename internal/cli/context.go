package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/velos"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble relevant memories for a task",
		Long:  "Search and score memories, then greedily pack them into a token budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().StringP("role", "r", "", "Filter by role")
	cmd.Flags().StringP("tag", "t", "", "Filter by tag")
	cmd.Flags().Int("days", 0, "Only records from the last N days")
	cmd.Flags().IntP("budget", "b", 4000, "Max tokens in output")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	role, _ := cmd.Flags().GetString("role")
	tag, _ := cmd.Flags().GetString("tag")
	days, _ := cmd.Flags().GetInt("days")
	budget, _ := cmd.Flags().GetInt("budget")

	svc, done := openReader(cmd)
	defer done()

	result, err := svc.Context(cmd.Context(), velos.ContextParams{
		Query:  strings.Join(args, " "),
		Role:   role,
		Tag:    tag,
		Days:   days,
		Budget: budget,
	})
	if err != nil {
		exitErr("context", err)
	}
	printJSON(result)
}
