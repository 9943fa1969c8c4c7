package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"campusride/internal/metrics"
)

// Redis fans change events out over Redis pub/sub, one channel per table.
type Redis struct {
	client *redis.Client
	prefix string
	size   int
}

// NewRedis builds a feed publishing on "<prefix><table>".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "campusride:changes:"
	}
	return &Redis{client: client, prefix: prefix, size: 256}
}

func (f *Redis) channel(table string) string { return f.prefix + table }

// Publish sends evt as JSON on the table's channel.
func (f *Redis) Publish(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("feed: encode event: %w", err)
	}
	return f.client.Publish(ctx, f.channel(evt.Table), payload).Err()
}

// Subscribe opens a pub/sub subscription for table ("*" uses a pattern).
func (f *Redis) Subscribe(ctx context.Context, table string) (<-chan Event, error) {
	var ps *redis.PubSub
	if table == AllTables {
		ps = f.client.PSubscribe(ctx, f.prefix+"*")
	} else {
		ps = f.client.Subscribe(ctx, f.channel(table))
	}
	// Wait for the subscription confirmation so callers know the channel is live.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("feed: subscribe %s: %w", table, err)
	}

	out := make(chan Event, f.size)
	go func() {
		defer close(out)
		defer ps.Close()
		f.pump(ctx, ps.ChannelWithSubscriptions(), out)
	}()
	return out, nil
}

// pump forwards messages to out until ctx is done or the pub/sub reports a fresh
// subscription. go-redis reconnects and resubscribes on its own, and anything published
// in the gap is lost, so a resubscription ends the stream and the caller reloads.
func (f *Redis) pump(ctx context.Context, msgs <-chan any, out chan<- Event) {
	for {
		var raw any
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			raw = m
		}

		switch msg := raw.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" || msg.Kind == "psubscribe" {
				logrus.Warnf("feed: redis resubscribed to %s, ending stream", msg.Channel)
				return
			}
		case *redis.Message:
			evt, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				logrus.Warnf("feed: bad payload on %s: %v", msg.Channel, err)
				continue
			}
			if evt.Table == "" {
				evt.Table = strings.TrimPrefix(msg.Channel, f.prefix)
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				metrics.FeedDropped.WithLabelValues("redis", evt.Table).Inc()
				logrus.Warnf("feed: subscriber buffer full, dropped %s on %s", evt.Type, evt.Table)
			}
		}
	}
}

func decodeEvent(payload []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, err
	}
	evt.Type = EventType(strings.ToUpper(string(evt.Type)))
	switch evt.Type {
	case Insert, Update, Delete:
	default:
		return Event{}, fmt.Errorf("unknown event type %q", evt.Type)
	}
	return evt, nil
}
