// Package statebus fans lifecycle transitions out to Kafka so downstream
// consumers (feed ranking, moderation, analytics) see status changes without
// polling the row store.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"agentpress/pkg/models"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes one message per effective status transition, keyed by
// agent id so per-agent ordering is preserved within a partition.
type KafkaPublisher struct {
	writer  kafkaWriter
	logger  *slog.Logger
	timeout time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, logger: logger, timeout: 5 * time.Second}, nil
}

// PublishStatusEvent satisfies the lifecycle event sink. Delivery is
// fire-and-forget: a broker outage costs the downstream copy of the event,
// never the transition itself.
func (p *KafkaPublisher) PublishStatusEvent(evt models.StatusEvent) {
	if p == nil || p.writer == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("statebus: marshal status event", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.AgentID),
		Value: payload,
		Time:  evt.CreatedAt,
	})
	if err != nil {
		p.logger.Error("statebus: publish status event",
			"agent_id", evt.AgentID,
			"to_status", string(evt.ToStatus),
			"err", err)
	}
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
