package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DecisionEvent is published once per Decide call, one event per decision,
// for downstream audit pipelines and SIEM forwarding.
type DecisionEvent struct {
	DecisionID string   `json:"decision_id"`
	Action     string   `json:"action"`
	Verdict    string   `json:"verdict"`
	Code       string   `json:"code"`
	Candidates []string `json:"candidates"`
	Timestamp  time.Time `json:"timestamp"`
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// Producer publishes DecisionEvents best-effort: a publish failure is
// returned to the caller but never blocks or reverses the decision that
// triggered it.
type Producer struct {
	writer kafkaWriter
	topic  string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
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
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: w, topic: topic}, nil
}

func (p *Producer) Publish(ctx context.Context, ev DecisionEvent) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("event producer not initialized")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.DecisionID),
		Value: body,
		Time:  ev.Timestamp,
	})
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
