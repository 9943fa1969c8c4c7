package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"campusride/internal/metrics"
)

// NotifyChannel is the LISTEN/NOTIFY channel the change trigger writes to.
const NotifyChannel = "campusride_changes"

// Postgres listens for change notifications emitted by the campusride_notify trigger.
// Every Subscribe holds its own connection.
type Postgres struct {
	connString string
	db         *sql.DB
	channel    string
	size       int
}

// NewPostgres builds a listener feed. db is used for Publish and may be nil for
// subscribe-only use.
func NewPostgres(connString string, db *sql.DB) *Postgres {
	return &Postgres{connString: connString, db: db, channel: NotifyChannel, size: 256}
}

// Publish issues pg_notify with evt as payload.
func (f *Postgres) Publish(ctx context.Context, evt Event) error {
	if f.db == nil {
		return errors.New("feed: postgres publish needs a db handle")
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("feed: encode event: %w", err)
	}
	_, err = f.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, f.channel, string(payload))
	return err
}

// Subscribe opens a dedicated connection and LISTENs until ctx is cancelled or the
// connection fails.
func (f *Postgres) Subscribe(ctx context.Context, table string) (<-chan Event, error) {
	conn, err := pgx.Connect(ctx, f.connString)
	if err != nil {
		return nil, fmt.Errorf("feed: listener connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("feed: listen: %w", err)
	}

	out := make(chan Event, f.size)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logrus.Warnf("feed: listener for %s lost: %v", table, err)
				}
				return
			}
			evt, err := decodeEvent([]byte(n.Payload))
			if err != nil {
				logrus.Warnf("feed: bad notification payload: %v", err)
				continue
			}
			if table != AllTables && evt.Table != table {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				metrics.FeedDropped.WithLabelValues("postgres", evt.Table).Inc()
				logrus.Warnf("feed: subscriber buffer full, dropped %s on %s", evt.Type, evt.Table)
			}
		}
	}()
	return out, nil
}
