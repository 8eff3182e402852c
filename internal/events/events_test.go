package events

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubFanOut(t *testing.T) {
	h := NewHub(4)
	var counts []int
	h.OnSubscribersChanged = func(n int) { counts = append(counts, n) }

	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	ev := UsageEvent{APIKey: "ak_1", KeyID: "id1", Minute: 3, Day: 9}
	require.NoError(t, h.Publish(context.Background(), ev))

	assert.Equal(t, ev, <-a)
	assert.Equal(t, ev, <-b)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	cancelB()
	assert.Equal(t, 0, h.Subscribers())
	assert.Equal(t, []int{1, 2, 1, 0}, counts)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(1)
	var dropped atomic.Int64
	h.OnDrop = func() { dropped.Add(1) }

	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.Publish(context.Background(), UsageEvent{Minute: int64(i)}))
	}

	assert.Equal(t, int64(1), (<-ch).Minute)
	assert.Equal(t, int64(2), dropped.Load())
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	h := NewHub(0)
	assert.NoError(t, h.Publish(context.Background(), UsageEvent{APIKey: "ak_1"}))
}

func TestStreamHandler(t *testing.T) {
	h := NewHub(8)
	srv := httptest.NewServer(NewStreamHandler(h, nil, discardLogger()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ev := UsageEvent{APIKey: "ak_1", KeyID: "id1", Minute: 1, Day: 1}
	require.NoError(t, h.Publish(context.Background(), ev))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventName, msg.Event)
	assert.Equal(t, ev, msg.Data)

	conn.Close()
	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamHandlerRejectsOrigin(t *testing.T) {
	h := NewHub(8)
	srv := httptest.NewServer(NewStreamHandler(h, []string{"http://localhost:3000"}, discardLogger()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}
}

func TestRedisRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHub(8)
	sub, cancelSub := h.Subscribe()
	defer cancelSub()

	relay := NewRedisRelay(client, RelayConfig{}, h, discardLogger())
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("*")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := UsageEvent{APIKey: "ak_relay", KeyID: "k", Minute: 2, Day: 5}
	require.NoError(t, relay.Publish(context.Background(), ev))

	select {
	case got := <-sub:
		assert.Equal(t, ev, got)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed event not delivered")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRedisRelayPublishDoesNotWaitForRedis(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	defer func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}()

	client := redis.NewClient(&redis.Options{
		Addr:        ln.Addr().String(),
		MaxRetries:  -1,
		ReadTimeout: 200 * time.Millisecond,
	})
	defer client.Close()

	var dropped atomic.Int64
	relay := NewRedisRelay(client, RelayConfig{
		Buffer:         1,
		PublishTimeout: 200 * time.Millisecond,
		OnDrop:         func() { dropped.Add(1) },
	}, NewHub(1), discardLogger())

	start := time.Now()
	var full int
	for i := 0; i < 5; i++ {
		if err := relay.Publish(context.Background(), UsageEvent{Minute: int64(i)}); err != nil {
			assert.ErrorIs(t, err, ErrRelayFull)
			full++
		}
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.GreaterOrEqual(t, full, 3)
	assert.Equal(t, int64(full), dropped.Load())

	require.NoError(t, relay.Close())
	assert.ErrorIs(t, relay.Publish(context.Background(), UsageEvent{}), ErrRelayClosed)
}
