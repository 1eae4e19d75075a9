package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var groupCmd = &cobra.Command{
	Use:               "group",
	Short:             "Inspect consumer groups",
	PersistentPreRunE: initClient,
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := client.ListGroups(cmd.Context())
		if err != nil {
			return err
		}
		if formatter.JSON() {
			return formatter.PrintJSON(map[string]any{"groups": groups})
		}
		if len(groups) == 0 {
			formatter.Printf("No groups\n")
			return nil
		}
		t := formatter.Table("GROUP")
		for _, id := range groups {
			t.Row(id)
		}
		return t.Flush()
	},
}

var groupDescribeCmd = &cobra.Command{
	Use:   "describe GROUP",
	Short: "Show a group's state and members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := client.DescribeGroup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if formatter.JSON() {
			return formatter.PrintJSON(info)
		}

		formatter.Printf("Group:      %s\n", info.GroupID)
		formatter.Printf("State:      %s\n", info.State)
		formatter.Printf("Generation: %d\n", info.Generation)
		formatter.Printf("Protocol:   %s\n", info.Protocol)
		formatter.Printf("Leader:     %s\n", info.LeaderID)
		if len(info.Members) == 0 {
			return nil
		}
		formatter.Printf("\n")
		t := formatter.Table("MEMBER", "TOPICS")
		for _, m := range info.Members {
			t.Row(m.MemberID, strings.Join(m.Topics, ","))
		}
		return t.Flush()
	},
}

var groupOffsetsCmd = &cobra.Command{
	Use:   "offsets GROUP TOPIC PARTITION",
	Short: "Show a group's committed offset for one partition",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, err := parsePartition(args[2])
		if err != nil {
			return err
		}
		committed, err := client.FetchOffset(cmd.Context(), args[0], args[1], partition)
		if err != nil {
			return err
		}
		if formatter.JSON() {
			return formatter.PrintJSON(committed)
		}
		t := formatter.Table("TOPIC", "PARTITION", "OFFSET", "COMMITTED AT")
		t.Row(args[1], partition, committed.Offset, committed.CommittedAt)
		return t.Flush()
	},
}

func parsePartition(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 {
		return 0, fmt.Errorf("invalid partition %q", s)
	}
	return p, nil
}

func init() {
	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupDescribeCmd)
	groupCmd.AddCommand(groupOffsetsCmd)
}
