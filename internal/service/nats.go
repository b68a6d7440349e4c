package service

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"portalgate/internal/logging"
)

// msgPublisher is the part of nats.Conn the sink uses
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSSink publishes bus events on <subject>.<event type> with the
// equipment id in a header
type NATSSink struct {
	conn    msgPublisher
	subject string
	events  chan Event
	log     zerolog.Logger
}

// NewNATSSink connects to url. The connection keeps retrying in the
// background, so an unreachable server does not fail startup.
func NewNATSSink(url, subject string, log zerolog.Logger) (*NATSSink, error) {
	log = logging.WithComponent(log, "nats_sink")
	nc, err := nats.Connect(url,
		nats.Name("portalgate"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return newNATSSink(nc, subject, log), nil
}

func newNATSSink(conn msgPublisher, subject string, log zerolog.Logger) *NATSSink {
	return &NATSSink{
		conn:    conn,
		subject: subject,
		events:  make(chan Event, 256),
		log:     log,
	}
}

// Events is the channel to subscribe to the bus
func (s *NATSSink) Events() chan<- Event {
	return s.events
}

// Run publishes events until ctx is done, then drains the connection
func (s *NATSSink) Run(ctx context.Context) {
	defer func() {
		if err := s.conn.Drain(); err != nil {
			s.log.Warn().Err(err).Msg("draining nats connection")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.events:
			s.publish(event)
		}
	}
}

func (s *NATSSink) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(event.Type)).Msg("failed to marshal event")
		return
	}

	msg := nats.NewMsg(s.subject + "." + string(event.Type))
	msg.Data = data
	msg.Header.Set("Equipment-Id", event.EquipmentID)
	if err := s.conn.PublishMsg(msg); err != nil {
		s.log.Warn().Err(err).
			Str("event", string(event.Type)).
			Str(logging.FieldEquipmentID, event.EquipmentID).
			Msg("failed to publish event")
	}
}
