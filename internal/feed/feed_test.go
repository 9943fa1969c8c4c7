package feed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestInMemoryFansOutByTable(t *testing.T) {
	f := NewInMemory(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerts, err := f.Subscribe(ctx, "sos_alerts")
	require.NoError(t, err)
	all, err := f.Subscribe(ctx, AllTables)
	require.NoError(t, err)

	require.NoError(t, f.Publish(ctx, Event{Table: "cabs", Type: Insert, New: json.RawMessage(`{"id":"c1"}`)}))
	require.NoError(t, f.Publish(ctx, Event{Table: "sos_alerts", Type: Insert, New: json.RawMessage(`{"id":"a1"}`)}))

	got := recv(t, alerts)
	assert.Equal(t, "sos_alerts", got.Table)
	assert.False(t, got.At.IsZero())

	assert.Equal(t, "cabs", recv(t, all).Table)
	assert.Equal(t, "sos_alerts", recv(t, all).Table)

	select {
	case evt := <-alerts:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestInMemoryCancelClosesChannel(t *testing.T) {
	f := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.Subscribe(ctx, "cabs")
	require.NoError(t, err)
	assert.Equal(t, 1, f.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Eventually(t, func() bool { return f.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestInMemoryDropsWhenBufferFull(t *testing.T) {
	f := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.Subscribe(ctx, "cabs")
	require.NoError(t, err)

	require.NoError(t, f.Publish(ctx, Event{Table: "cabs", Type: Insert}))
	require.NoError(t, f.Publish(ctx, Event{Table: "cabs", Type: Update}))

	assert.Equal(t, Insert, recv(t, ch).Type)
	select {
	case evt := <-ch:
		t.Fatalf("expected drop, got %+v", evt)
	default:
	}
}

func TestInMemoryDisconnectThenCancel(t *testing.T) {
	f := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.Subscribe(ctx, "cabs")
	require.NoError(t, err)

	f.Disconnect()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { cancel() })
}

func TestEventRow(t *testing.T) {
	del := Event{Type: Delete, Old: json.RawMessage(`{"id":"x"}`), New: json.RawMessage(`null`)}
	assert.JSONEq(t, `{"id":"x"}`, string(del.Row()))

	ins := Event{Type: Insert, New: json.RawMessage(`{"id":"y"}`)}
	assert.JSONEq(t, `{"id":"y"}`, string(ins.Row()))

	assert.Nil(t, Event{Type: Update}.Row())
}

func TestDecodeEvent(t *testing.T) {
	evt, err := decodeEvent([]byte(`{"table":"cabs","type":"insert","new":{"id":"c1"}}`))
	require.NoError(t, err)
	assert.Equal(t, Insert, evt.Type)
	assert.Equal(t, "cabs", evt.Table)

	_, err = decodeEvent([]byte(`{"table":"cabs","type":"TRUNCATE"}`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`nope`))
	assert.Error(t, err)
}

func TestRedisPumpEndsOnResubscribe(t *testing.T) {
	f := NewRedis(nil, "")
	msgs := make(chan any, 4)
	out := make(chan Event, 4)
	msgs <- &redis.Message{Channel: "campusride:changes:cabs", Payload: `{"type":"insert","new":{"id":"c1"}}`}
	msgs <- &redis.Message{Channel: "campusride:changes:cabs", Payload: `garbage`}
	msgs <- &redis.Subscription{Kind: "subscribe", Channel: "campusride:changes:cabs", Count: 1}
	msgs <- &redis.Message{Channel: "campusride:changes:cabs", Payload: `{"type":"delete","old":{"id":"c1"}}`}

	done := make(chan struct{})
	go func() {
		f.pump(context.Background(), msgs, out)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump kept running after a resubscription")
	}

	require.Len(t, out, 1)
	evt := <-out
	assert.Equal(t, Insert, evt.Type)
	assert.Equal(t, "cabs", evt.Table, "table falls back to the channel name")
}

func TestRedisPumpStopsOnCancel(t *testing.T) {
	f := NewRedis(nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pump(ctx, make(chan any), make(chan Event))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump ignored cancellation")
	}
}
