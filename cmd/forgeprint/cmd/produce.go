package cmd

import (
	"bufio"
	"os"

	"github.com/spf13/cobra"

	"github.com/smilinTux/forgeprint-sub003/internal/cli"
)

var (
	producePartition int
	produceKey       string
	produceAcks      string
	produceStdin     bool
)

var produceCmd = &cobra.Command{
	Use:   "produce TOPIC [VALUE...]",
	Short: "Append records to a partition",
	Long: `Append records to one partition of a topic.

Values come from the arguments, or one record per line from stdin
with --stdin. The --key flag applies the same key to every record,
which matters for compacted topics where the key decides which
records survive cleaning.`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: initClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]

		var messages []cli.Message
		if produceStdin {
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				messages = append(messages, newMessage(scanner.Text()))
			}
			if err := scanner.Err(); err != nil {
				return err
			}
		} else {
			for _, value := range args[1:] {
				messages = append(messages, newMessage(value))
			}
		}
		if len(messages) == 0 {
			formatter.Printf("Nothing to produce\n")
			return nil
		}

		result, err := client.Produce(cmd.Context(), topic, producePartition, messages, produceAcks)
		if err != nil {
			return err
		}
		if formatter.JSON() {
			return formatter.PrintJSON(result)
		}
		formatter.Printf("Produced %d records to %s-%d at offset %d\n",
			len(messages), topic, producePartition, result.BaseOffset)
		return nil
	},
}

func newMessage(value string) cli.Message {
	msg := cli.Message{Value: []byte(value)}
	if produceKey != "" {
		msg.Key = []byte(produceKey)
	}
	return msg
}

func init() {
	produceCmd.Flags().IntVarP(&producePartition, "partition", "p", 0,
		"Target partition")
	produceCmd.Flags().StringVarP(&produceKey, "key", "k", "",
		"Key applied to every record")
	produceCmd.Flags().StringVar(&produceAcks, "acks", "all",
		"Ack level: none, leader, all")
	produceCmd.Flags().BoolVar(&produceStdin, "stdin", false,
		"Read one record per line from stdin")
}
