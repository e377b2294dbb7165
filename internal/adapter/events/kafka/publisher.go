// Package kafka publishes job lifecycle events to a Kafka/Redpanda topic.
// Events are a side channel for export pipelines and dashboards; the
// orchestrator never reads them back, so publishing is best-effort and a
// broker outage must not block job processing.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// Publisher emits domain.JobEvent records, keyed by job id so per-job
// ordering survives partitioning.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the brokers and makes sure the topic exists.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.new: no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("op=events.new: topic cannot be empty")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.new: %w", err)
	}

	if err := ensureTopic(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("event topic creation failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	slog.Info("event publisher ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Publisher{client: client, topic: topic}, nil
}

// Publish produces the event asynchronously. Failures are logged, never
// returned to the job pipeline: a dropped event is recoverable from the job
// store, a stalled job is not.
func (p *Publisher) Publish(ctx domain.Context, ev domain.JobEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "user_id", Value: []byte(ev.UserID)},
		},
	}
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			slog.Error("event publish failed",
				slog.String("type", ev.Type),
				slog.String("job_id", ev.JobID),
				slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("event publisher flush", slog.Any("error", err))
	}
	p.client.Close()
	return nil
}

// ensureTopic creates the topic via the admin API, treating
// TOPIC_ALREADY_EXISTS (error code 36) as success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}

// NopPublisher drops every event; used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(domain.Context, domain.JobEvent) error { return nil }
func (NopPublisher) Close() error                                  { return nil }
