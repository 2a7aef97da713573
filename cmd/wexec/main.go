// Command wexec runs a durable-execution worker executor node, and
// doubles as the CLI for the structural/oplog-view/cert-bootstrap
// operations a running node exposes over its RPC surface.
//
// Command registration style is grounded on cmd/warren/main.go
// (teacher): a package-level rootCmd, subcommands built as
// package-level *cobra.Command vars wired together in init(), global
// --log-level/--log-json persistent flags applied in initLogging via
// cobra.OnInitialize. The surface here is a fraction of the teacher's
// own CLI since this spec has no container/service/ingress/volume
// resource model to expose.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cortexworks/wexec/pkg/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "wexec",
	Short:   "wexec - durable-execution host for sandboxed WASM workers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("wexec version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(oplogCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	if !rootCmd.PersistentFlags().Changed("log-level") {
		if envLevel := loadEnvOverrides().LogLevel; envLevel != "" {
			level = envLevel
		}
	}
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
