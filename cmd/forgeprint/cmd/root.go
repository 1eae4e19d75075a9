// =============================================================================
// ROOT COMMAND - GLOBAL FLAGS AND SUBCOMMAND WIRING
// =============================================================================
//
// One binary covers both roles:
//
//   forgeprint serve              run the broker
//   forgeprint topic|produce|\
//              consume|group      talk to a running broker over HTTP
//   forgeprint version            build information
//
// Client commands share the global flags:
//
//   --server, -s    broker URL (env: FORGEPRINT_SERVER)
//   --output, -o    table or json
//   --timeout       request timeout in seconds
//
// =============================================================================

package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/smilinTux/forgeprint-sub003/internal/cli"
)

var (
	serverFlag  string
	outputFlag  string
	timeoutFlag int

	client    *cli.Client
	formatter *cli.Formatter
)

var rootCmd = &cobra.Command{
	Use:   "forgeprint",
	Short: "Commit log broker with consumer groups and transactions",
	Long: `forgeprint - a partitioned, replicated commit log.

Topics split into partitions, each an append-only segmented log.
Producers choose an ack level against the in-sync replica set; consumer
groups split partitions between members and rebalance on membership
change; transactional producers make a batch across partitions visible
atomically to read_committed consumers.

Use "forgeprint [command] --help" for details on a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"Broker URL (env: FORGEPRINT_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 30,
		"Request timeout in seconds")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(topicCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(versionCmd)
}

// initClient builds the HTTP client for the commands that need one.
func initClient(*cobra.Command, []string) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)

	server := serverFlag
	if server == "" {
		server = os.Getenv("FORGEPRINT_SERVER")
	}
	config := cli.DefaultClientConfig()
	if server != "" {
		config.ServerURL = server
	}
	config.Timeout = time.Duration(timeoutFlag) * time.Second

	client = cli.NewClient(config)
	return nil
}
