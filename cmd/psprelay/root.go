package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perspective-dev/psprelay/config"
	"github.com/perspective-dev/psprelay/engine"
)

var rootCmd = &cobra.Command{
	Use:   "psprelay",
	Short: "Relay a binary-protocol compute engine over WebSocket or in-process transports",
	Long: `psprelay - Host a WebAssembly compute engine behind a message relay.

Every connection gets its own engine instance. Requests are forwarded to the
engine in arrival order, its responses are relayed back, and anything the
engine emits on its own is drained and relayed right after.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the on-disk compilation cache")
	rootCmd.PersistentFlags().String("memory", "", "Engine memory limit: 16mb, 64mb, 256mb, 1gb")
}

func newLogger(w io.Writer, level, format string) *zap.Logger {
	return config.NewLogger(w, config.ParseLogLevel(level), format)
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "16mb":
		return engine.MemoryLimit16MB, nil
	case "64mb":
		return engine.MemoryLimit64MB, nil
	case "256mb":
		return engine.MemoryLimit256MB, nil
	case "1gb":
		return engine.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 16mb, 64mb, 256mb or 1gb)", s)
	}
}
