package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"campusride/internal/livesync"
	"campusride/internal/metrics"
	"campusride/internal/transport"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	liveBuffer   = 64
	maxReadBytes = 512
)

// source is a mirror of one collection with its record type erased.
type source interface {
	Mount(ctx context.Context) error
	Close()
	OnChange(fn func(any)) func()
}

type typedSource[T livesync.Record] struct {
	*livesync.Collection[T]
}

func (s typedSource[T]) OnChange(fn func(any)) func() {
	return s.Collection.OnChange(func(ch livesync.Change[T]) { fn(ch) })
}

func open[T livesync.Record](table livesync.Table) func(livesync.Backend, livesync.Options) source {
	return func(b livesync.Backend, opts livesync.Options) source {
		return typedSource[T]{livesync.New[T](b, table, opts)}
	}
}

var sources = map[string]func(livesync.Backend, livesync.Options) source{
	"cabs":           open[transport.Cab](transport.CabsTable),
	"drivers":        open[transport.Driver](transport.DriversTable),
	"students":       open[transport.Student](transport.StudentsTable),
	"routes":         open[transport.Route](transport.RoutesTable),
	"live_locations": open[transport.LiveLocation](transport.LiveLocationsTable),
	"sos_alerts":     open[transport.SOSAlert](transport.SOSAlertsTable),
	"camera_events":  open[transport.CameraEvent](transport.CameraEventsTable),
	"attendance":     open[transport.Attendance](transport.AttendanceTable),
}

// live upgrades to a websocket and streams one collection. Every connection mounts its
// own mirror with its own subscription: the first frame is the reset snapshot, then one
// frame per change. A client that falls liveBuffer frames behind is disconnected.
func (s *Server) live(c *gin.Context) {
	name := c.Param("collection")
	newSource, ok := sources[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Warnf("live: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan any, liveBuffer)
	src := newSource(s.backend, s.opts)
	unregister := src.OnChange(func(ch any) {
		select {
		case out <- ch:
		default:
			logrus.WithField("table", name).Warn("live: slow consumer, disconnecting")
			cancel()
		}
	})

	metrics.LiveConsumers.WithLabelValues(name).Inc()
	defer func() {
		unregister()
		src.Close()
		conn.Close()
		metrics.LiveConsumers.WithLabelValues(name).Dec()
	}()

	if err := src.Mount(ctx); err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(gin.H{"type": "error", "error": err.Error()})
	}

	go readPump(conn, cancel)
	writePump(ctx, conn, out)
}

// readPump discards client frames and keeps the read deadline alive on pongs.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Debugf("live: read: %v", err)
			}
			return
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, out <-chan any) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
