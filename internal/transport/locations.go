package transport

import (
	"context"
	"sort"
	"time"

	"campusride/internal/livesync"
)

// LocationInput is a driver-side position report.
type LocationInput struct {
	CabID     string    `json:"cab_id" validate:"required"`
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Speed     float64   `json:"speed" validate:"gte=0"`
	Heading   float64   `json:"heading" validate:"gte=0,lt=360"`
	Timestamp time.Time `json:"timestamp"`
}

// Locations mirrors live_locations.
type Locations struct {
	*livesync.Collection[LiveLocation]
	now func() time.Time
}

// NewLocations builds an unmounted live location mirror.
func NewLocations(b livesync.Backend, opts livesync.Options) *Locations {
	return &Locations{
		Collection: livesync.New[LiveLocation](b, LiveLocationsTable, opts),
		now:        defaultClock,
	}
}

// UpdateLocation records a new position for a cab. Earlier reports are never modified.
func (l *Locations) UpdateLocation(ctx context.Context, in LocationInput) livesync.Result[LiveLocation] {
	if err := check(in); err != nil {
		return livesync.Fail[LiveLocation](err)
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	return l.InsertValues(ctx, map[string]any{
		"cab_id":    in.CabID,
		"latitude":  in.Latitude,
		"longitude": in.Longitude,
		"speed":     in.Speed,
		"heading":   in.Heading,
		"timestamp": ts.UTC(),
		"is_active": true,
	})
}

// Current returns the newest report for cabID.
func (l *Locations) Current(cabID string) (LiveLocation, bool) {
	var best LiveLocation
	found := false
	for _, loc := range l.Items() {
		if loc.CabID != cabID {
			continue
		}
		if !found || loc.Timestamp.After(best.Timestamp) {
			best = loc
			found = true
		}
	}
	return best, found
}

// CurrentAll returns the newest report of every cab, most recent first.
func (l *Locations) CurrentAll() []LiveLocation {
	latest := make(map[string]LiveLocation)
	for _, loc := range l.Items() {
		if prev, ok := latest[loc.CabID]; !ok || loc.Timestamp.After(prev.Timestamp) {
			latest[loc.CabID] = loc
		}
	}
	out := make([]LiveLocation, 0, len(latest))
	for _, loc := range latest {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].CabID < out[j].CabID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
