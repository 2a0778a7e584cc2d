package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Change fields of a stored memory",
		Args:  cobra.ExactArgs(1),
		Run:   runUpdate,
	}

	cmd.Flags().String("insight", "", "New insight text")
	cmd.Flags().String("raw", "", "New raw text")
	cmd.Flags().StringP("role", "r", "", "New role")
	cmd.Flags().StringP("tags", "t", "", "Replace tags (comma-separated)")

	RootCmd.AddCommand(cmd)
}

func runUpdate(cmd *cobra.Command, args []string) {
	id := parseID(args[0])

	var patch model.Patch
	if cmd.Flags().Changed("insight") {
		v, _ := cmd.Flags().GetString("insight")
		patch.Insight = &v
	}
	if cmd.Flags().Changed("raw") {
		v, _ := cmd.Flags().GetString("raw")
		patch.Raw = &v
	}
	if cmd.Flags().Changed("role") {
		v, _ := cmd.Flags().GetString("role")
		patch.Role = &v
	}
	if cmd.Flags().Changed("tags") {
		v, _ := cmd.Flags().GetString("tags")
		tags := model.NewTags(splitTags(v)...)
		patch.Tags = &tags
	}
	if patch == (model.Patch{}) {
		exitErr("update", fmt.Errorf("nothing to change: pass --insight, --raw, --role or --tags"))
	}

	svc, done := openService(cmd)
	defer done()

	rec, err := svc.Update(cmd.Context(), id, patch)
	if err != nil {
		exitErr("update", err)
	}
	printJSON(rec)
}
