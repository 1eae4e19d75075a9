package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	topicPartitions int
	topicCleanup    string
)

var topicCmd = &cobra.Command{
	Use:               "topic",
	Short:             "Manage topics",
	PersistentPreRunE: initClient,
}

var topicCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if err := client.CreateTopic(cmd.Context(), name, topicPartitions, topicCleanup); err != nil {
			return err
		}
		if formatter.JSON() {
			return formatter.PrintJSON(map[string]any{
				"topic":      name,
				"partitions": topicPartitions,
			})
		}
		formatter.Printf("Created topic %q with %d partitions\n", name, topicPartitions)
		return nil
	},
}

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List topics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics, err := client.ListTopics(cmd.Context())
		if err != nil {
			return err
		}
		if formatter.JSON() {
			return formatter.PrintJSON(map[string]any{"topics": topics})
		}
		if len(topics) == 0 {
			formatter.Printf("No topics\n")
			return nil
		}
		t := formatter.Table("TOPIC")
		for _, name := range topics {
			t.Row(name)
		}
		return t.Flush()
	},
}

func init() {
	topicCreateCmd.Flags().IntVarP(&topicPartitions, "partitions", "p", 1,
		"Number of partitions")
	topicCreateCmd.Flags().StringVar(&topicCleanup, "cleanup", "",
		fmt.Sprintf("Cleanup policy: %q or %q (broker default when unset)", "delete", "compact"))

	topicCmd.AddCommand(topicCreateCmd)
	topicCmd.AddCommand(topicListCmd)
}
