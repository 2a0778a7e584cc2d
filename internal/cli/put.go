package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [insight]",
		Short: "Store a memory",
		Long:  "Store one record. The insight can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("role", "r", "", "Role: user, assistant, system or tool (default system)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("raw", "", "Raw text kept alongside the insight")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	role, _ := cmd.Flags().GetString("role")
	tagsStr, _ := cmd.Flags().GetString("tags")
	raw, _ := cmd.Flags().GetString("raw")

	insight := readContent(args)
	if strings.TrimSpace(insight) == "" {
		exitErr("put", fmt.Errorf("insight is required (positional arg or stdin)"))
	}

	svc, done := openService(cmd)
	defer done()

	id, err := svc.Insert(cmd.Context(), model.Record{
		Role:    role,
		Insight: insight,
		Raw:     raw,
		Tags:    model.NewTags(splitTags(tagsStr)...),
	})
	if err != nil {
		exitErr("put", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%d}`+"\n", id)
}

// readContent takes the positional args, or stdin when it is piped.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}
