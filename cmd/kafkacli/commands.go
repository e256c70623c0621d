package main

import (
	"bufio"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	kafka "github.com/optiopay/kafka-client"
	"github.com/optiopay/kafka-client/proto"
)

func newMetadataCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata [topic...]",
		Short: "Print cluster brokers and partition leaders",
		RunE: func(cmd *cobra.Command, args []string) error {
			var topics []string
			if len(args) > 0 {
				topics = args
			}
			resp, err := a.client.SendMetadataRequest(cmd.Context(), topics)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tADDRESS")
			for _, b := range resp.Brokers {
				fmt.Fprintf(w, "%d\t%s\n", b.NodeID, b.HostPort())
			}
			fmt.Fprintln(w)

			sort.Slice(resp.Topics, func(i, j int) bool { return resp.Topics[i].Name < resp.Topics[j].Name })
			fmt.Fprintln(w, "TOPIC\tPARTITION\tLEADER\tREPLICAS\tERROR")
			for _, t := range resp.Topics {
				if t.Err != nil {
					fmt.Fprintf(w, "%s\t\t\t\t%s\n", t.Name, t.Err)
					continue
				}
				for _, id := range t.PartitionIDs() {
					p := t.Partitions[id]
					leader := "-"
					if p.Leader != nil {
						leader = fmt.Sprint(p.Leader.NodeID)
					}
					errText := ""
					if p.Err != nil {
						errText = p.Err.Error()
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", t.Name, id, leader, len(p.Replicas), errText)
				}
			}
			return w.Flush()
		},
	}
}

func newProduceCmd(a *app) *cobra.Command {
	var (
		topic     string
		partition int32
		key       string
		acks      int16
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Send every line of the standard input as a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := a.conf.Producer
			if cmd.Flags().Changed("acks") {
				conf.RequiredAcks = acks
			}
			producer, err := a.client.Producer(conf)
			if err != nil {
				return err
			}

			var k []byte
			if key != "" {
				k = []byte(key)
			}
			pending := kafka.PartitionMessages{
				TopicAndPartition: kafka.TopicAndPartition{Topic: topic, Partition: partition},
			}
			flush := func() error {
				if len(pending.Messages) == 0 {
					return nil
				}
				statuses, err := producer.SendBatch(cmd.Context(), []kafka.PartitionMessages{pending})
				if err != nil {
					return err
				}
				for _, st := range statuses {
					a.logger.Info("messages written", "topic", st.Topic, "partition", st.Partition, "offset", st.Offset)
				}
				pending.Messages = nil
				return nil
			}

			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				value := append([]byte(nil), sc.Bytes()...)
				pending.Messages = append(pending.Messages, proto.NewMessage(k, value))
				if len(pending.Messages) >= batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if err := sc.Err(); err != nil {
				return errors.Wrap(err, "read input")
			}
			return flush()
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&topic, "topic", "t", "", "destination topic")
	flags.Int32VarP(&partition, "partition", "p", 0, "destination partition")
	flags.StringVarP(&key, "key", "k", "", "key of every message")
	flags.Int16Var(&acks, "acks", kafka.RequiredAcksLocal, "required acks (-1 all, 0 none, 1 leader)")
	flags.IntVar(&batchSize, "batch", 100, "number of messages sent in a single request")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func newConsumeCmd(a *app) *cobra.Command {
	var (
		partitions  []int32
		startOffset int64
		limit       int
		follow      bool
	)
	cmd := &cobra.Command{
		Use:   "consume <topic>",
		Short: "Print messages of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := a.conf.Consumer
			conf.Topic = args[0]
			if len(partitions) > 0 {
				conf.Partitions = partitions
			}
			if cmd.Flags().Changed("offset") {
				ids := conf.Partitions
				if len(ids) == 0 {
					parts, err := a.client.GetPartitionsForTopics(cmd.Context(), []string{conf.Topic})
					if err != nil {
						return err
					}
					ids = parts[conf.Topic]
				}
				conf.StartOffsets = make(map[int32]int64, len(ids))
				for _, p := range ids {
					conf.StartOffsets[p] = startOffset
				}
			}
			if !follow {
				conf.RetryLimit = 0
			}
			consumer, err := a.client.Consumer(cmd.Context(), conf)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for n := 0; limit <= 0 || n < limit; n++ {
				rec, err := consumer.Consume(cmd.Context())
				if err != nil {
					if errors.Is(err, kafka.ErrNoData) {
						return nil
					}
					return err
				}
				fmt.Fprintf(out, "%d\t%d\t%s\t%s\n", rec.Partition, rec.Offset, rec.Message.Key(), rec.Message.Value())
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int32SliceVarP(&partitions, "partitions", "p", nil, "consumed partitions, all by default")
	flags.Int64VarP(&startOffset, "offset", "o", 0, "first offset consumed from every partition")
	flags.IntVarP(&limit, "limit", "n", 0, "stop after that many messages")
	flags.BoolVarP(&follow, "follow", "f", false, "wait for new messages instead of stopping at the end")
	return cmd
}
