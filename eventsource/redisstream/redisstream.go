// Package redisstream ingests device events from a Redis Stream.
//
// Entries carry the fields thing, kind, name and data. kind is "event" or
// "property" and defaults to "event"; data is JSON.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/eventsource"
	"github.com/macc-n/wot-mcp/internal/logctx"
)

// DefaultStream is the stream key read when Config.Stream is empty.
const DefaultStream = "wot:events"

// Source is a Redis Streams-based event source. It reads without a consumer
// group, so every bridge process sees every entry.
type Source struct {
	client redis.UniversalClient
	stream string
	log    *slog.Logger
}

// Config contains configuration options for the Redis source.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// Stream is the stream key. Defaults to DefaultStream.
	Stream string
	// Logger receives ingestion logs. Defaults to a discard logger.
	Logger *slog.Logger
}

// New creates a new Redis-based event source.
func New(config Config) *Source {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	stream := config.Stream
	if stream == "" {
		stream = DefaultStream
	}

	return &Source{
		client: client,
		stream: stream,
		log:    logctx.New(config.Logger),
	}
}

// Close closes the Redis connection.
func (s *Source) Close() error {
	return s.client.Close()
}

// Publish appends ev to the stream and returns the entry ID Redis assigned.
func (s *Source) Publish(ctx context.Context, ev device.Event) (string, error) {
	values := map[string]any{
		"thing": ev.ThingID,
		"kind":  string(ev.Kind),
		"name":  ev.Name,
	}
	if ev.Data != nil {
		data, err := marshalData(ev.Data)
		if err != nil {
			return "", err
		}
		values["data"] = data
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event to stream %s: %w", s.stream, err)
	}
	return id, nil
}

// Run reads new entries and hands each decoded event to sink until ctx is
// canceled. Only entries appended after Run starts are delivered.
func (s *Source) Run(ctx context.Context, sink device.Sink) error {
	startID := "$"
	s.log.InfoContext(ctx, "redisstream.run.start", slog.String("stream", s.stream))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Block for 1 second, then check context
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, startID},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", s.stream, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				ev, err := Decode(message.Values)
				if err != nil {
					s.log.WarnContext(ctx, "redisstream.entry.invalid", slog.String("entry_id", message.ID), slog.String("err", err.Error()))
					continue
				}
				sink.HandleDeviceEvent(ctx, ev)
			}
		}
	}
}

// ErrMalformedEntry reports a stream entry without the fields an event needs.
var ErrMalformedEntry = errors.New("malformed stream entry")

// Decode converts the fields of a stream entry into a device event.
func Decode(values map[string]any) (device.Event, error) {
	thing, _ := values["thing"].(string)
	name, _ := values["name"].(string)
	if thing == "" || name == "" {
		return device.Event{}, fmt.Errorf("%w: thing and name are required", ErrMalformedEntry)
	}

	kind := device.KindEvent
	if k, _ := values["kind"].(string); k != "" {
		kind = device.EventKind(k)
	}
	switch kind {
	case device.KindEvent, device.KindProperty:
	default:
		return device.Event{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEntry, kind)
	}

	ev := device.Event{ThingID: thing, Kind: kind, Name: name}
	if data, ok := values["data"].(string); ok {
		ev.Data = eventsource.DecodeData([]byte(data))
	}
	return ev, nil
}

func marshalData(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}
	return string(b), nil
}
