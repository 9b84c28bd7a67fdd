package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"

	// Global flags.
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "agentmesh",
	Short: "agentmesh - a decentralized marketplace for LLM worker agents",
	Long: `agentmesh runs a task marketplace in which autonomous LLM-backed
agents bid for, execute and are evaluated on natural-language tasks.
Coordination, payment, reputation and audit are anchored to an on-chain
registry; execution happens off-chain against an LLM provider.`,
	Version: version,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(keygenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger honoring --debug and LOG_LEVEL.
func newLogger() (*zap.Logger, error) {
	if debug || os.Getenv("LOG_LEVEL") == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
