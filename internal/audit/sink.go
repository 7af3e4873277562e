package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Sink receives audit records.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to l.
func NewLogSink(l *slog.Logger) *LogSink {
	return &LogSink{logger: l}
}

// Emit logs the record at INFO, or WARN when it has findings.
func (s *LogSink) Emit(ctx context.Context, rec Record) error {
	level := slog.LevelInfo
	if !rec.Passed {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "audit record",
		"id", rec.ID,
		"access_key", rec.AccessKey,
		"category", rec.Category,
		"passed", rec.Passed,
		"findings", len(rec.Findings),
		"digest", rec.Digest)
	return nil
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends the record.
func (s *MemorySink) Emit(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of the stored records.
func (s *MemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record{}, s.records...)
}

// ForKey returns the records of one document.
func (s *MemorySink) ForKey(accessKey string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.AccessKey == accessKey {
			out = append(out, r)
		}
	}
	return out
}

// Producer is the part of *kgo.Client the Kafka sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink publishes records as JSON keyed by access key.
type KafkaSink struct {
	producer Producer
	topic    string
}

// NewKafkaSink creates a sink producing to topic.
func NewKafkaSink(p Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

// DialKafka connects a franz-go client to brokers.
func DialKafka(brokers []string, clientID string) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: kafka client: %w", err)
	}
	return client, nil
}

// Emit produces the record synchronously.
func (s *KafkaSink) Emit(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: encode record: %w", err)
	}
	r := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(rec.AccessKey),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "category", Value: []byte(rec.Category)},
		},
	}
	if err := s.producer.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("audit: produce to %s: %w", s.topic, err)
	}
	return nil
}
