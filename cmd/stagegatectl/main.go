// Command stagegatectl drives the orchestrator HTTP API: launching stage jobs,
// ticking monitors, deciding gates and running the system test.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stagegate/stagegate/internal/platform/env"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &clientOptions{}
	rootCmd := &cobra.Command{
		Use:           "stagegatectl",
		Short:         "Operate the stagegate orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.Server, "server", env.String("STAGEGATE_SERVER", "http://localhost:8080"), "orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&opts.Token, "token", env.String("STAGEGATE_TOKEN", ""), "bearer token")
	rootCmd.PersistentFlags().StringVar(&opts.RequestID, "request-id", "", "X-Request-Id to send")
	rootCmd.PersistentFlags().StringVar(&opts.Pipeline, "pipeline", env.String("PIPELINE_NAME", ""), "pipeline name")

	rootCmd.AddCommand(newLaunchCommand(opts))
	rootCmd.AddCommand(newTickCommand(opts))
	rootCmd.AddCommand(newStateCommand(opts))
	rootCmd.AddCommand(newGateCommand(opts))
	rootCmd.AddCommand(newSystemTestCommand(opts))
	rootCmd.AddCommand(newTriggersCommand(opts))
	return rootCmd
}
