// Package mqtt ingests device events from an MQTT broker.
//
// Topics follow wot/{thingId}/events/{name} for events and
// wot/{thingId}/properties/{name} for property changes. Payloads are JSON.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/eventsource"
	"github.com/macc-n/wot-mcp/internal/logctx"
)

const (
	// DefaultTopic matches every event and property topic.
	DefaultTopic = "wot/+/+/+"
	// DefaultClientID is used when Config.ClientID is empty.
	DefaultClientID = "wot-mcp"
)

// ErrInvalidTopic reports a topic that does not name a thing affordance.
var ErrInvalidTopic = errors.New("invalid event topic")

// Config configures a Source.
type Config struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883. Required.
	Broker   string
	ClientID string
	// Topic is the subscription filter. Defaults to DefaultTopic.
	Topic string
	QoS   byte
	// ConnectTimeout bounds the initial connection. Defaults to 10s.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Source subscribes to an MQTT topic filter and forwards matching messages
// to a device.Sink.
type Source struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and returns a Source. No connection is made until Run.
func New(cfg Config) (*Source, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Source{cfg: cfg, log: logctx.New(cfg.Logger)}, nil
}

// Run connects, subscribes and forwards messages until ctx is canceled. The
// subscription is renewed on every reconnect.
func (s *Source) Run(ctx context.Context, sink device.Sink) error {
	handler := s.Handler(ctx, sink)

	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.log.WarnContext(ctx, "mqtt.connection.lost", slog.String("err", err.Error()))
		}).
		SetOnConnectHandler(func(c paho.Client) {
			tok := c.Subscribe(s.cfg.Topic, s.cfg.QoS, handler)
			if !tok.WaitTimeout(s.cfg.ConnectTimeout) {
				s.log.ErrorContext(ctx, "mqtt.subscribe.fail", slog.String("topic", s.cfg.Topic), slog.String("err", "timeout"))
				return
			}
			if err := tok.Error(); err != nil {
				s.log.ErrorContext(ctx, "mqtt.subscribe.fail", slog.String("topic", s.cfg.Topic), slog.String("err", err.Error()))
				return
			}
			s.log.InfoContext(ctx, "mqtt.subscribe.ok", slog.String("topic", s.cfg.Topic))
		})

	client := paho.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
		}
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	s.log.InfoContext(ctx, "mqtt.connect.ok", slog.String("broker", s.cfg.Broker), slog.String("client_id", s.cfg.ClientID))

	<-ctx.Done()
	client.Disconnect(250)
	s.log.InfoContext(ctx, "mqtt.disconnect.ok")
	return ctx.Err()
}

// Handler returns the paho callback that decodes a message and hands it to
// sink. Messages on topics that do not name an affordance are dropped.
func (s *Source) Handler(ctx context.Context, sink device.Sink) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		ev, err := ParseTopic(msg.Topic())
		if err != nil {
			s.log.DebugContext(ctx, "mqtt.message.ignored", slog.String("topic", msg.Topic()), slog.String("err", err.Error()))
			return
		}
		ev.Data = eventsource.DecodeData(msg.Payload())
		sink.HandleDeviceEvent(ctx, ev)
	}
}

// ParseTopic extracts the thing, kind and affordance name from a topic. Only
// the last three levels are inspected, so any prefix is accepted.
func ParseTopic(topic string) (device.Event, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return device.Event{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	thing, kind, name := parts[len(parts)-3], parts[len(parts)-2], parts[len(parts)-1]
	if thing == "" || name == "" {
		return device.Event{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	ev := device.Event{ThingID: thing, Name: name}
	switch kind {
	case "events":
		ev.Kind = device.KindEvent
	case "properties":
		ev.Kind = device.KindProperty
	default:
		return device.Event{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return ev, nil
}
