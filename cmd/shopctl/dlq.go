package main

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const envKafkaBrokers = "KAFKA_BROKERS"

func newDLQCmd(e env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered outbox events",
	}

	var (
		brokers string
		cfg     kafka.ReplayConfig
	)
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish DLQ records to their original topic (dry-run unless --execute)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(brokers) == "" {
				brokers = e.getenv(envKafkaBrokers)
			}
			brokerList := splitBrokers(brokers)
			if len(brokerList) == 0 {
				return errors.New(envKafkaBrokers + " (or --brokers) is required")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			deps, err := e.dialReplay(brokerList, cfg.Execute)
			if err != nil {
				return err
			}
			defer deps.Close()

			logger := log.WithFields(log.Fields{
				"component":    "dlq-replay",
				"source_topic": cfg.SourceTopic,
				"execute":      cfg.Execute,
			})
			stats, err := e.replay(cmd.Context(), cfg, deps, logger)
			if err != nil {
				return err
			}

			mode := "dry-run"
			if cfg.Execute {
				mode = "execute"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dlq replay %s: processed=%d replayed=%d skipped=%d\n",
				mode, stats.Processed, stats.Replayed, stats.Skipped)
			return nil
		},
	}

	flags := replay.Flags()
	flags.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (fallback: "+envKafkaBrokers+")")
	flags.StringVar(&cfg.SourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to read")
	flags.StringVar(&cfg.TargetTopic, "target-topic", kafka.TopicOrderEvents, "topic to re-publish events to")
	flags.IntVar(&cfg.Limit, "limit", kafka.DefaultReplayLimit, "max messages to read per partition")
	flags.BoolVar(&cfg.Execute, "execute", false, "actually publish messages")
	flags.BoolVar(&cfg.FromNewest, "from-newest", false, "read the last --limit messages instead of the oldest")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", kafka.DefaultReplayIdleTimeout, "stop reading a partition after this idle period")

	cmd.AddCommand(replay)
	return cmd
}

func splitBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if b := strings.TrimSpace(part); b != "" {
			out = append(out, b)
		}
	}
	return out
}
