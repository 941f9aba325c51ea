package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/slytomcat/devtokenizer/compliance"
)

// KafkaConfig - compliance topic configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Timeout int // write timeout, seconds
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher publishes records to the kafka topic. It implements Sender so it can be wrapped into Sink.
type Publisher struct {
	w       messageWriter
	timeout time.Duration
}

// NewPublisher creates the kafka publisher
func NewPublisher(conf *KafkaConfig) *Publisher {
	return newPublisher(&kafkago.Writer{
		Addr:         kafkago.TCP(conf.Brokers...),
		Topic:        conf.Topic,
		Balancer:     &kafkago.Hash{}, // records of one request go to the same partition
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}, conf.Timeout)
}

func newPublisher(w messageWriter, timeout int) *Publisher {
	p := &Publisher{w: w, timeout: time.Duration(timeout) * time.Second}
	if p.timeout <= 0 {
		p.timeout = 10 * time.Second
	}
	return p
}

// Send publishes the record. Message key is the request id when the record has it.
func (p *Publisher) Send(r compliance.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("record marshaling error: %w", err)
	}
	key := r.ID
	if id, ok := r.Data["requestId"].(string); ok && id != "" {
		key = id
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err = p.w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "category", Value: []byte(r.Category)},
			{Key: "level", Value: []byte(r.Level)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka publish error: %w", err)
	}
	return nil
}

// Close closes the writer
func (p *Publisher) Close() error {
	return p.w.Close()
}
