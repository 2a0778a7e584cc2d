package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest memories",
		Run:   runList,
	}

	cmd.Flags().StringP("role", "r", "", "Filter by role")
	cmd.Flags().StringP("tag", "t", "", "Filter by tag")
	cmd.Flags().Int("days", 0, "Only records from the last N days")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Int("offset", 0, "Skip this many records")
	cmd.Flags().Bool("ids-only", false, "Only output record ids")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	role, _ := cmd.Flags().GetString("role")
	tag, _ := cmd.Flags().GetString("tag")
	days, _ := cmd.Flags().GetInt("days")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	p := store.FilterParams{Role: role, Tag: tag, Limit: limit, Offset: offset}
	if days > 0 {
		p.From = time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	}

	svc, done := openReader(cmd)
	defer done()

	recs, err := svc.List(cmd.Context(), p)
	if err != nil {
		exitErr("list", err)
	}

	if idsOnly {
		for _, r := range recs {
			fmt.Println(r.ID)
		}
		return
	}
	if textFormat() {
		for _, r := range recs {
			fmt.Printf("%d\t%s\t%s\t%s\n", r.ID, time.Unix(r.TS, 0).UTC().Format(time.RFC3339), r.Role, r.Insight)
		}
		return
	}
	printJSON(recs)
}
