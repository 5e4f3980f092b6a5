// Package events publishes ingestion lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/jmylchreest/vodproxy/internal/config"
)

// Event types.
const (
	TypeVideoIngested = "video.ingested"
	TypeVideoFailed   = "video.failed"
)

// Event is the message envelope. Key selects the Kafka partition.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"-"`
	Payload   any       `json:"payload"`
}

// VideoIngested is the payload of TypeVideoIngested.
type VideoIngested struct {
	VideoID         string `json:"videoId"`
	Title           string `json:"title"`
	Genre           string `json:"genre,omitempty"`
	JobID           string `json:"jobId"`
	DurationSeconds int64  `json:"durationSeconds"`
	MasterManifest  string `json:"masterManifest"`
	UserID          string `json:"userId"`
}

// VideoFailed is the payload of TypeVideoFailed.
type VideoFailed struct {
	Title  string `json:"title"`
	Source string `json:"source"`
	Stage  string `json:"stage,omitempty"`
	JobID  string `json:"jobId,omitempty"`
	Error  string `json:"error"`
	UserID string `json:"userId"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

func (NoopPublisher) Close() error { return nil }

// KafkaPublisher writes events synchronously to one topic.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// New returns a KafkaPublisher when events are enabled, else a NoopPublisher.
func New(cfg config.EventsConfig, logger *slog.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NoopPublisher{}, nil
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_1_0
	sc.ClientID = "vodproxy"
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return NewKafkaPublisher(producer, cfg.Topic, logger), nil
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish encodes e as JSON and sends it. The producer does not take a
// context, so ctx is only checked before sending.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(e.Type)},
		},
	}
	if e.Key != "" {
		msg.Key = sarama.StringEncoder(e.Key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("sending %s event: %w", e.Type, err)
	}

	p.logger.DebugContext(ctx, "event published",
		slog.String("type", e.Type),
		slog.String("topic", p.topic),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset),
	)
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
