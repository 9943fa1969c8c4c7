package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncEvents counts change events seen by live mirrors, by outcome
// (applied, dropped, replayed, undecodable).
var SyncEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campusride_sync_events_total",
	Help: "Change events handled by live collection mirrors",
}, []string{"table", "type", "outcome"})

// SyncLoads counts snapshot loads by result.
var SyncLoads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campusride_sync_loads_total",
	Help: "Snapshot loads issued by live collection mirrors",
}, []string{"table", "result"})

// SyncLoadSeconds observes snapshot load latency.
var SyncLoadSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "campusride_sync_load_seconds",
	Help:    "Latency of snapshot loads",
	Buckets: prometheus.DefBuckets,
}, []string{"table"})

// SyncMutations counts insert/update/remove calls by result.
var SyncMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campusride_sync_mutations_total",
	Help: "Mutations issued through live collection mirrors",
}, []string{"table", "op", "result"})

// SyncReconnects counts subscription re-opens after a dropped channel.
var SyncReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campusride_sync_reconnects_total",
	Help: "Subscription reconnects",
}, []string{"table"})

// FeedDropped counts events a feed could not hand to a slow subscriber.
var FeedDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campusride_feed_dropped_total",
	Help: "Events dropped because a subscriber buffer was full",
}, []string{"feed", "table"})

// LiveConsumers tracks mounted websocket mirrors.
var LiveConsumers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "campusride_live_consumers",
	Help: "Websocket consumers with a mounted mirror",
}, []string{"table"})

// RouteTransitions counts route progression operations by result.
var RouteTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campusride_route_transitions_total",
	Help: "Route progression operations",
}, []string{"op", "result"})

// RateLimit counts limiter decisions.
var RateLimit = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campusride_rate_limit_total",
	Help: "Rate limiter decisions",
}, []string{"route", "decision"})

// Result maps an error to a label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
