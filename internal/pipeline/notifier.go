package pipeline

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/pkg/errors"
)

// Event announces the outcome of a stage invocation.
type Event struct {
	RunID      string            `json:"run_id"`
	Stage      string            `json:"stage"`
	Status     string            `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	DurationMS int64             `json:"duration_ms"`
	Summary    gojson.RawMessage `json:"summary,omitempty"`
	ErrorType  string            `json:"error_type,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Notifier publishes stage outcomes. A notification failure never fails
// the stage.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// LogNotifier writes events to the logger; failures at error level.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier on logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
		zap.String("stage", e.Stage),
		zap.String("status", e.Status),
		zap.Int64("duration_ms", e.DurationMS),
	}
	if e.Status == StatusFailed {
		n.logger.Error("stage failed", append(fields, zap.String("error_type", e.ErrorType), zap.String("error", e.Error))...)
		return nil
	}
	n.logger.Info("stage finished", fields...)
	return nil
}

// Close implements Notifier.
func (n *LogNotifier) Close() error { return nil }

// KafkaNotifier publishes events as JSON messages keyed by run id.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaNotifier connects a synchronous producer to brokers.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	producer, err := sarama.NewSyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create kafka producer")
	}
	return NewKafkaNotifierWithProducer(producer, topic), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

// KafkaConfig is the producer configuration used for notifications.
func KafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "breweries-pipeline"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	return cfg
}

// Notify implements Notifier.
func (n *KafkaNotifier) Notify(_ context.Context, e Event) error {
	value, err := gojson.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode event")
	}
	msg := &sarama.ProducerMessage{
		Topic:     n.topic,
		Key:       sarama.StringEncoder(e.RunID),
		Value:     sarama.ByteEncoder(value),
		Timestamp: e.FinishedAt,
		Headers: []sarama.RecordHeader{
			{Key: []byte("stage"), Value: []byte(e.Stage)},
			{Key: []byte("status"), Value: []byte(e.Status)},
		},
	}
	if _, _, err := n.producer.SendMessage(msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to publish event").WithDetail("topic", n.topic)
	}
	return nil
}

// Close implements Notifier.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
