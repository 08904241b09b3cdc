package pubsub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collector gathers delivered messages for assertions.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handler(channel, payload string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, Message{Channel: channel, Payload: payload})
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestPubSub_PublishSubscribe(t *testing.T) {
	t.Parallel()

	m := New(Options{})
	defer m.Close()

	var c collector
	require.NoError(t, m.Subscribe("c1", []string{"news", "sports"}, c.handler))

	require.Equal(t, 1, m.Publish("news", "hello"))
	require.Equal(t, 0, m.Publish("weather", "rain"), "no subscribers on weather")

	msgs := c.wait(t, 1)
	require.Equal(t, "news", msgs[0].Channel)
	require.Equal(t, "hello", msgs[0].Payload)
}

func TestPubSub_FanOutCount(t *testing.T) {
	t.Parallel()

	m := New(Options{})
	defer m.Close()

	var a, b collector
	require.NoError(t, m.Subscribe("a", []string{"ch"}, a.handler))
	require.NoError(t, m.Subscribe("b", []string{"ch"}, b.handler))

	require.Equal(t, 2, m.Publish("ch", "x"))
	a.wait(t, 1)
	b.wait(t, 1)
}

func TestPubSub_Unsubscribe(t *testing.T) {
	t.Parallel()

	m := New(Options{})
	defer m.Close()

	var c collector
	require.NoError(t, m.Subscribe("c1", []string{"a", "b"}, c.handler))

	require.True(t, m.Unsubscribe("c1", []string{"a"}))
	require.Equal(t, 0, m.Publish("a", "x"))
	require.Equal(t, 1, m.Publish("b", "y"))

	// Removing the last channel drops the client entirely.
	require.True(t, m.Unsubscribe("c1", nil))
	require.Equal(t, 0, m.Publish("b", "z"))
	require.False(t, m.Unsubscribe("c1", nil))
}

func TestPubSub_OverflowDropsNotBlocks(t *testing.T) {
	t.Parallel()

	m := New(Options{MessageBufferSize: 1})
	defer m.Close()

	block := make(chan struct{})
	require.NoError(t, m.Subscribe("slow", []string{"ch"}, func(string, string) {
		<-block
	}))

	// Flood well past the buffer; Publish must return promptly each time.
	for i := 0; i < 50; i++ {
		m.Publish("ch", "x")
	}
	close(block)

	require.Greater(t, m.Stats().Dropped, uint64(0))
}

func TestPubSub_SubscriberLimit(t *testing.T) {
	t.Parallel()

	m := New(Options{MaxSubscribersPerChannel: 1})
	defer m.Close()

	var a, b collector
	require.NoError(t, m.Subscribe("a", []string{"ch"}, a.handler))
	require.Error(t, m.Subscribe("b", []string{"ch"}, b.handler))
}

func TestPubSub_ChannelLimit(t *testing.T) {
	t.Parallel()

	m := New(Options{MaxChannels: 2})
	defer m.Close()

	var c collector
	require.NoError(t, m.Subscribe("c1", []string{"a", "b"}, c.handler))
	require.Error(t, m.Subscribe("c1", []string{"c"}, c.handler))
}

func TestPubSub_CloseStopsDelivery(t *testing.T) {
	t.Parallel()

	m := New(Options{})
	var c collector
	require.NoError(t, m.Subscribe("c1", []string{"ch"}, c.handler))
	m.Close()

	require.Equal(t, 0, m.Publish("ch", "x"))
	require.Error(t, m.Subscribe("c2", []string{"ch"}, c.handler))
}
