package transport

import (
	"context"
	"time"

	"campusride/internal/backend"
	"campusride/internal/livesync"
)

// Cameras mirrors camera_events. A camera is switched back on with a new event, never
// by reviving an old one.
type Cameras struct {
	*livesync.Collection[CameraEvent]
	now func() time.Time
}

// NewCameras builds an unmounted camera mirror.
func NewCameras(b livesync.Backend, opts livesync.Options) *Cameras {
	return &Cameras{
		Collection: livesync.New[CameraEvent](b, CameraEventsTable, opts),
		now:        defaultClock,
	}
}

// ActivateCamera starts a new active camera event for cabID.
func (c *Cameras) ActivateCamera(ctx context.Context, cabID, actor string) livesync.Result[CameraEvent] {
	if cabID == "" {
		return livesync.Fail[CameraEvent](ErrInvalidInput)
	}
	return c.InsertValues(ctx, map[string]any{
		"cab_id":       cabID,
		"is_active":    true,
		"activated_by": actor,
		"activated_at": c.now(),
	})
}

// DeactivateCamera switches event id off. Deactivation is terminal.
func (c *Cameras) DeactivateCamera(ctx context.Context, id string) livesync.Result[CameraEvent] {
	if id == "" {
		return livesync.Fail[CameraEvent](ErrInvalidInput)
	}
	evt, ok := c.Get(id)
	if !ok {
		found, err := c.Find(ctx, []backend.Filter{backend.Eq("id", id)}, 1)
		if err != nil {
			return livesync.Fail[CameraEvent](err)
		}
		if len(found) == 0 {
			return livesync.Fail[CameraEvent](backend.ErrNotFound)
		}
		evt = found[0]
	}
	if !evt.IsActive {
		return livesync.Fail[CameraEvent](ErrAlreadyInactive)
	}
	return c.Update(ctx, id, map[string]any{
		"is_active":      false,
		"deactivated_at": c.now(),
	})
}

// ActiveFor returns the newest active camera event of cabID.
func (c *Cameras) ActiveFor(cabID string) (CameraEvent, bool) {
	for _, evt := range c.Items() {
		if evt.CabID == cabID && evt.IsActive {
			return evt, true
		}
	}
	return CameraEvent{}, false
}

// History returns the events of cabID, newest first.
func (c *Cameras) History(ctx context.Context, cabID string, limit int) ([]CameraEvent, error) {
	return c.Find(ctx, []backend.Filter{backend.Eq("cab_id", cabID)}, limit)
}
