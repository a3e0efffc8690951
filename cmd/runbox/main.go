package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/client"
)

var (
	configFlag string
	serverFlag string
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed code execution service",
	Long: `runbox runs untrusted code in isolated container runtimes.

Each session gets a long-lived runtime for commands, files and a hosted node
server. Grading runs use a throwaway runtime per request.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./runbox.yaml or $HOME/.runbox/runbox.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", envOr("RUNBOX_SERVER", "http://localhost:8080"), "runbox server URL for client commands")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() (*client.Client, error) {
	return client.New(serverFlag)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
