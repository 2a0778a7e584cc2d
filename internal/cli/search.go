package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/router"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories",
		Long: "Search the full-text index. Short single words match as prefixes;\n" +
			"from:<role> and tag:<name> in the query scope the search.",
		Run: runSearch,
	}

	cmd.Flags().StringP("role", "r", "", "Filter by role")
	cmd.Flags().StringP("tag", "t", "", "Filter by tag")
	cmd.Flags().Int("days", 0, "Only records from the last N days")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Int("offset", 0, "Skip this many results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	role, _ := cmd.Flags().GetString("role")
	tag, _ := cmd.Flags().GetString("tag")
	days, _ := cmd.Flags().GetInt("days")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	svc, done := openReader(cmd)
	defer done()

	res, err := svc.Search(cmd.Context(), router.Query{
		Text:   strings.Join(args, " "),
		Role:   role,
		Tag:    tag,
		Days:   days,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		exitErr("search", err)
	}

	if textFormat() {
		for _, h := range res.Hits {
			r := h.Record
			fmt.Printf("%d\t%s\t%s\t%s\n", r.ID, time.Unix(r.TS, 0).UTC().Format(time.RFC3339), r.Role, r.Insight)
		}
		return
	}
	printJSON(res)
}
