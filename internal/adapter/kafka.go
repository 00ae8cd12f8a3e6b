package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSource feeds job events from a Kafka-compatible topic into a
// Worker adapter. Records carry one JSON-encoded JobEvent each.
type KafkaSource struct {
	client *kgo.Client
	worker *Worker
	topic  string
}

func NewKafkaSource(brokers []string, topic, group string, worker *Worker) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
	}
	if group != "" {
		opts = append(opts, kgo.ConsumerGroup(group))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSource{client: client, worker: worker, topic: topic}, nil
}

// Run polls until ctx is cancelled or the client is closed. Undecodable
// records are logged and skipped.
func (k *KafkaSource) Run(ctx context.Context) error {
	slog.Info("kafka source started", "topic", k.topic)
	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			k.handle(ctx, rec)
		})
	}
}

func (k *KafkaSource) handle(ctx context.Context, rec *kgo.Record) {
	ev, err := decodeJobEvent(rec.Value)
	if err != nil {
		slog.Warn("kafka record rejected", "topic", rec.Topic, "offset", rec.Offset, "error", err)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = rec.Timestamp
	}
	res := k.worker.HandleInput(ctx, ev)
	if !res.Success {
		slog.Warn("job event not accepted", "topic", rec.Topic, "offset", rec.Offset,
			"status", string(res.Status), "errors", res.Errors)
	}
}

func (k *KafkaSource) Close() {
	k.client.Close()
}

func decodeJobEvent(b []byte) (JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return JobEvent{}, fmt.Errorf("decode job event: %w", err)
	}
	return ev, nil
}
