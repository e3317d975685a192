// Package publish hands enriched alerts to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/ports"
)

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes one message per enriched alert, keyed by alert id.
type Kafka struct {
	writer MessageWriter
	logger *slog.Logger
}

var _ ports.Publisher = (*Kafka)(nil)

// NewKafka builds a synchronous writer for the configured topic.
func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	return NewKafkaWithWriter(w, logger)
}

// NewKafkaWithWriter wraps an existing writer.
func NewKafkaWithWriter(w MessageWriter, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Kafka{writer: w, logger: logger}
}

// Publish implements ports.Publisher.
func (k *Kafka) Publish(ctx context.Context, alert domain.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "source_id", Value: []byte(alert.SourceID)},
			{Key: "enrichment_version", Value: []byte(fmt.Sprint(alert.EnrichmentVersion))},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	k.logger.Debug("alert published", "alert_id", alert.ID, "source_id", alert.SourceID)
	return nil
}

// Close flushes and releases the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Noop drops every alert.
type Noop struct{}

var _ ports.Publisher = Noop{}

// Publish implements ports.Publisher.
func (Noop) Publish(context.Context, domain.Alert) error { return nil }
