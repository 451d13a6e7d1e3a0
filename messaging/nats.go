package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
	"github.com/THEMKM/seraaj-eventsourced-sub001/projections"
)

// Header names carried next to Nats-Msg-Id
const (
	HeaderAggregateID = "Seraaj-Aggregate-Id"
	HeaderVersion     = "Seraaj-Version"
)

// jetStreamPublisher is the part of nats.JetStreamContext the publisher uses
type jetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher is a projection sink that publishes applied events to
// JetStream. The event id is the message id so the stream drops
// redeliveries.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetStreamPublisher
	prefix string
}

// NewNATSPublisher connects and makes sure the stream exists. It returns
// nil when no URL is configured.
func NewNATSPublisher(ctx context.Context, cfg config.NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if cfg.Stream == "" || cfg.SubjectPrefix == "" {
		return nil, errors.New("nats: stream and subject_prefix are required")
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("seraaj"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ensureStream(ctx, js, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	log.Info().Str("stream", cfg.Stream).Msg("Connected to NATS JetStream")
	return &NATSPublisher{conn: conn, js: js, prefix: cfg.SubjectPrefix}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

// Subject returns <prefix>.<aggregateType>.<eventType>
func (p *NATSPublisher) Subject(aggregateType, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, aggregateType, eventType)
}

// Handle publishes the event envelope
func (p *NATSPublisher) Handle(ctx context.Context, projected projections.Projected) error {
	if p == nil || p.js == nil {
		return errors.New("nats: jetstream not initialized")
	}
	event := projected.Event

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	msg := nats.NewMsg(p.Subject(event.AggregateType, event.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set(HeaderAggregateID, event.AggregateID)
	msg.Header.Set(HeaderVersion, strconv.Itoa(event.Version))

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

func ensureStream(ctx context.Context, js nats.JetStreamContext, cfg config.NATSConfig) error {
	subjects := []string{cfg.SubjectPrefix + ".>"}

	info, err := js.StreamInfo(cfg.Stream, nats.Context(ctx))
	if err == nil {
		if !sameSubjects(info.Config.Subjects, subjects) {
			info.Config.Subjects = subjects
			_, err = js.UpdateStream(&info.Config, nats.Context(ctx))
		}
		return err
	}

	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  subjects,
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		}, nats.Context(ctx))
		return err
	}
	return err
}

func sameSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}
