package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"portalgate/internal/logging"
)

// messageWriter is the part of kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards bus events to a Kafka topic, keyed by equipment id so
// one gateway's events stay ordered within a partition
type KafkaSink struct {
	writer  messageWriter
	events  chan Event
	timeout time.Duration
	log     zerolog.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers
func NewKafkaSink(brokers []string, topic string, log zerolog.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaSink(writer, log)
}

func newKafkaSink(w messageWriter, log zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		writer:  w,
		events:  make(chan Event, 256),
		timeout: 5 * time.Second,
		log:     logging.WithComponent(log, "kafka_sink"),
	}
}

// Events is the channel to subscribe to the bus
func (s *KafkaSink) Events() chan<- Event {
	return s.events
}

// Run writes events until ctx is done, then closes the writer
func (s *KafkaSink) Run(ctx context.Context) {
	defer func() {
		if err := s.writer.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing kafka writer")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.events:
			s.write(ctx, event)
		}
	}
}

func (s *KafkaSink) write(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(event.Type)).Msg("failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.EquipmentID),
		Value: value,
		Time:  event.Time,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.log.Warn().Err(err).
			Str("event", string(event.Type)).
			Str(logging.FieldEquipmentID, event.EquipmentID).
			Msg("failed to publish event")
	}
}
