package transport

import (
	"context"
	"strings"
	"time"

	"campusride/internal/backend"
	"campusride/internal/livesync"
)

// SOSInput raises an alert for a cab.
type SOSInput struct {
	CabID       string   `json:"cab_id" validate:"required"`
	TriggeredBy string   `json:"triggered_by" validate:"required"`
	AlertType   string   `json:"alert_type" validate:"omitempty,oneof=emergency medical breakdown accident other"`
	Message     string   `json:"message" validate:"max=500"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

// Alerts mirrors sos_alerts.
type Alerts struct {
	*livesync.Collection[SOSAlert]
	now func() time.Time
}

// NewAlerts builds an unmounted SOS alert mirror.
func NewAlerts(b livesync.Backend, opts livesync.Options) *Alerts {
	return &Alerts{
		Collection: livesync.New[SOSAlert](b, SOSAlertsTable, opts),
		now:        defaultClock,
	}
}

// TriggerSOS inserts a new unresolved alert.
func (a *Alerts) TriggerSOS(ctx context.Context, in SOSInput) livesync.Result[SOSAlert] {
	if err := check(in); err != nil {
		return livesync.Fail[SOSAlert](err)
	}
	values := map[string]any{
		"cab_id":       in.CabID,
		"triggered_by": in.TriggeredBy,
		"alert_type":   "emergency",
		"is_resolved":  false,
	}
	if in.AlertType != "" {
		values["alert_type"] = in.AlertType
	}
	if msg := strings.TrimSpace(in.Message); msg != "" {
		values["message"] = msg
	}
	if in.Latitude != nil && in.Longitude != nil {
		values["latitude"] = *in.Latitude
		values["longitude"] = *in.Longitude
	}
	return a.InsertValues(ctx, values)
}

// ResolveAlert closes an alert. Resolution is terminal: a resolved alert cannot be
// resolved again or reopened.
func (a *Alerts) ResolveAlert(ctx context.Context, id, resolver string) livesync.Result[SOSAlert] {
	if id == "" || resolver == "" {
		return livesync.Fail[SOSAlert](ErrInvalidInput)
	}
	alert, ok := a.Get(id)
	if !ok {
		found, err := a.Find(ctx, []backend.Filter{backend.Eq("id", id)}, 1)
		if err != nil {
			return livesync.Fail[SOSAlert](err)
		}
		if len(found) == 0 {
			return livesync.Fail[SOSAlert](backend.ErrNotFound)
		}
		alert = found[0]
	}
	if alert.IsResolved {
		return livesync.Fail[SOSAlert](ErrAlreadyResolved)
	}
	return a.Update(ctx, id, map[string]any{
		"is_resolved": true,
		"resolved_by": resolver,
		"resolved_at": a.now(),
	})
}

// Active returns unresolved alerts, newest first.
func (a *Alerts) Active() []SOSAlert {
	var out []SOSAlert
	for _, alert := range a.Items() {
		if !alert.IsResolved {
			out = append(out, alert)
		}
	}
	return out
}
