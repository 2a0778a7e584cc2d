package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/ingest"
	"github.com/rcliao/velos-memory/internal/velos"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import memories from JSONL on stdin",
		Long: "Import records from newline-delimited JSON on stdin, such as the output of export.\n" +
			"Input goes through the full ingestion pipeline: noise filter, dedup and scoring.",
		Run: runImport,
	}

	cmd.Flags().Bool("dry-run", false, "Report what would be stored without writing")

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var items []map[string]any
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			exitErr("parse json", fmt.Errorf("line %d: %w", line, err))
		}
		items = append(items, m)
	}
	if err := sc.Err(); err != nil {
		exitErr("read stdin", err)
	}

	svc, done := openService(cmd)
	defer done()

	rep, err := svc.Ingest(cmd.Context(), velos.IngestOptions{
		Sources: []ingest.Source{ingest.Inline{Label: "stdin", Items: items}},
		DryRun:  dryRun,
	})
	if err != nil {
		exitErr("import", err)
	}
	printJSON(rep)
}
