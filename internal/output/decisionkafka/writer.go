package decisionkafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"deepcase/internal/logger"
	"deepcase/pkg/models"
)

// Config configures the Kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer publishes one Kafka message per decision, keyed by entity so
// decisions of one host stay ordered within a partition.
type Writer struct {
	w       messageWriter
	timeout time.Duration
}

// NewWriter creates a Kafka decision writer.
func NewWriter(cfg Config) (*Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is empty")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger.Infof("Decision Kafka writer initialized: topic=%s brokers=%v", cfg.Topic, cfg.Brokers)
	return &Writer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 100 * time.Millisecond,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireAll,
		},
		timeout: cfg.WriteTimeout,
	}, nil
}

func messages(decisions []*models.Decision) ([]kafka.Message, error) {
	out := make([]kafka.Message, 0, len(decisions))
	for _, d := range decisions {
		value, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decision: %w", err)
		}
		key := d.Entity
		if key == "" {
			key = d.DecisionID
		}
		out = append(out, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Headers: []kafka.Header{
				{Key: "status", Value: []byte(d.Status)},
				{Key: "model_id", Value: []byte(d.ModelID)},
			},
		})
	}
	return out, nil
}

// WriteDecisions publishes a batch synchronously.
func (w *Writer) WriteDecisions(decisions []*models.Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	msgs, err := messages(decisions)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (w *Writer) Close() error {
	return w.w.Close()
}
