package redisstream

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macc-n/wot-mcp/device"
)

func TestDecode(t *testing.T) {
	ev, err := Decode(map[string]any{"thing": "sensor-1", "name": "overheated", "data": `{"celsius":91}`})
	require.NoError(t, err)
	assert.Equal(t, device.Event{
		ThingID: "sensor-1",
		Kind:    device.KindEvent,
		Name:    "overheated",
		Data:    map[string]any{"celsius": 91.0},
	}, ev)

	ev, err = Decode(map[string]any{"thing": "lamp", "kind": "property", "name": "on", "data": "true"})
	require.NoError(t, err)
	assert.Equal(t, device.KindProperty, ev.Kind)
	assert.Equal(t, true, ev.Data)

	ev, err = Decode(map[string]any{"thing": "lamp", "name": "burnt", "data": "not json"})
	require.NoError(t, err)
	assert.Equal(t, "not json", ev.Data)
}

func TestDecodeRejectsMalformedEntries(t *testing.T) {
	_, err := Decode(map[string]any{"name": "x"})
	require.ErrorIs(t, err, ErrMalformedEntry)

	_, err = Decode(map[string]any{"thing": "lamp"})
	require.ErrorIs(t, err, ErrMalformedEntry)

	_, err = Decode(map[string]any{"thing": "lamp", "name": "x", "kind": "action"})
	require.ErrorIs(t, err, ErrMalformedEntry)
}

type collector struct {
	mu     sync.Mutex
	events []device.Event
}

func (c *collector) HandleDeviceEvent(_ context.Context, ev device.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []device.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]device.Event(nil), c.events...)
}

func TestSourceRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	stream := "test:wot:events:" + t.Name()
	src := New(Config{Client: client, Stream: stream})
	t.Cleanup(func() {
		_ = client.Del(context.Background(), stream).Err()
		_ = src.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &collector{}
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, sink) }()

	// Run starts at "$"; give the first XREAD a moment to block.
	time.Sleep(200 * time.Millisecond)
	_, err := src.Publish(ctx, device.Event{ThingID: "sensor-1", Kind: device.KindEvent, Name: "overheated", Data: 91.5})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 91.5, sink.snapshot()[0].Data)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}
