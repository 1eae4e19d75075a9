package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/smilinTux/forgeprint-sub003/internal/cli"
)

var (
	consumePartition int
	consumeOffset    int64
	consumeMax       int
	consumeIsolation string
	consumeFollow    bool
	consumeGroup     string
)

var consumeCmd = &cobra.Command{
	Use:   "consume TOPIC",
	Short: "Read records from a partition",
	Long: `Read records from one partition of a topic.

Starts at --offset, or at the group's committed offset when --group is
set and a commit exists. With --follow the command polls for new
records until interrupted, committing progress back to the group after
each batch when one is set. read_committed isolation hides records
from open or aborted transactions.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: initClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]
		ctx := cmd.Context()

		offset := consumeOffset
		if consumeGroup != "" && !cmd.Flags().Changed("offset") {
			committed, err := client.FetchOffset(ctx, consumeGroup, topic, consumePartition)
			if err == nil {
				offset = committed.Offset
			} else if !isNotFound(err) {
				return err
			}
		}

		for {
			result, err := client.Fetch(ctx, topic, consumePartition, offset, consumeMax, consumeIsolation)
			if err != nil {
				return err
			}
			if err := printRecords(result); err != nil {
				return err
			}
			if len(result.Records) > 0 {
				offset = result.Records[len(result.Records)-1].Offset + 1
				if consumeGroup != "" {
					if err := client.CommitOffset(ctx, consumeGroup, topic, consumePartition, offset, ""); err != nil {
						return err
					}
				}
			}
			if !consumeFollow {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
		}
	},
}

func printRecords(result *cli.FetchResult) error {
	if formatter.JSON() {
		for _, r := range result.Records {
			if err := formatter.PrintJSON(map[string]any{
				"offset":    r.Offset,
				"timestamp": r.Timestamp,
				"key":       string(r.Key),
				"value":     string(r.Value),
			}); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range result.Records {
		if len(r.Key) > 0 {
			formatter.Printf("%d\t%s\t%s\n", r.Offset, r.Key, r.Value)
		} else {
			formatter.Printf("%d\t%s\n", r.Offset, r.Value)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *cli.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

func init() {
	consumeCmd.Flags().IntVarP(&consumePartition, "partition", "p", 0,
		"Source partition")
	consumeCmd.Flags().Int64Var(&consumeOffset, "offset", 0,
		"Start offset")
	consumeCmd.Flags().IntVar(&consumeMax, "max", 100,
		"Max records per fetch")
	consumeCmd.Flags().StringVar(&consumeIsolation, "isolation", "read_uncommitted",
		"Isolation level: read_uncommitted, read_committed")
	consumeCmd.Flags().BoolVarP(&consumeFollow, "follow", "f", false,
		"Keep polling for new records")
	consumeCmd.Flags().StringVarP(&consumeGroup, "group", "g", "",
		"Group id to resume from and commit progress to")
}
