// Package cli implements the velos CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/velos-memory/internal/config"
	"github.com/rcliao/velos-memory/internal/logger"
	"github.com/rcliao/velos-memory/internal/server"
	"github.com/rcliao/velos-memory/internal/velos"
)

var (
	configPath string
	formatFlag string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "velos",
	Short: "Durable learning memory for agents",
	Long: "Journal-backed learning memory with a SQLite full-text index.\n" +
		"Records are appended to the JSONL journal first and mirrored into the index.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $VELOS_ROOT/configs/velos.yaml)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitErr("load config", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	return logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
}

// openService loads configuration and opens the service. The returned
// func closes everything it opened.
func openService(cmd *cobra.Command, opts ...velos.Option) (*velos.Service, func()) {
	cfg := loadConfig()
	log, closer := newLogger(cfg)
	slog.SetDefault(log)

	svc, err := velos.Open(cmd.Context(), cfg, log, opts...)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		exitErr("open store", err)
	}
	return svc, func() {
		if err := svc.Close(); err != nil {
			log.Warn("close service", "error", err)
		}
		if closer != nil {
			closer.Close()
		}
	}
}

// openReader opens the service read-only: the journal and the store are not
// written, so read commands are safe next to a running writer.
func openReader(cmd *cobra.Command) (*velos.Service, func()) {
	return openService(cmd, velos.ReadOnly())
}

func textFormat() bool { return strings.EqualFold(formatFlag, "text") }

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func exitErr(msg string, err error) {
	writeErr(os.Stderr, msg, err)
	os.Exit(1)
}

// writeErr prints one error line, shaped like the HTTP error body unless
// --format text is set.
func writeErr(w io.Writer, msg string, err error) {
	if textFormat() {
		fmt.Fprintf(w, "error: %s: %v\n", msg, err)
		return
	}
	b, _ := json.Marshal(server.ErrorResponse{Error: server.ErrorDetail{
		Code:    server.ErrorCode(err),
		Message: fmt.Sprintf("%s: %v", msg, err),
	}})
	fmt.Fprintln(w, string(b))
}
