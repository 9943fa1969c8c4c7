package transport

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"campusride/internal/livesync"
)

type mirror interface {
	Start(ctx context.Context) error
	Load(ctx context.Context) error
	Close()
	Table() livesync.Table
}

// Fleet bundles a mirror of every collection for one process.
type Fleet struct {
	Cabs       *livesync.Collection[Cab]
	Drivers    *livesync.Collection[Driver]
	Students   *livesync.Collection[Student]
	Routes     *livesync.Collection[Route]
	Locations  *Locations
	Alerts     *Alerts
	Cameras    *Cameras
	Attendance *AttendanceBook
}

// NewFleet builds every mirror on b. Nothing is loaded until Mount.
func NewFleet(b livesync.Backend, opts livesync.Options) *Fleet {
	return &Fleet{
		Cabs:       livesync.New[Cab](b, CabsTable, opts),
		Drivers:    livesync.New[Driver](b, DriversTable, opts),
		Students:   livesync.New[Student](b, StudentsTable, opts),
		Routes:     livesync.New[Route](b, RoutesTable, opts),
		Locations:  NewLocations(b, opts),
		Alerts:     NewAlerts(b, opts),
		Cameras:    NewCameras(b, opts),
		Attendance: NewAttendanceBook(b, opts),
	}
}

func (f *Fleet) mirrors() []mirror {
	return []mirror{
		f.Cabs, f.Drivers, f.Students, f.Routes,
		f.Locations, f.Alerts, f.Cameras, f.Attendance,
	}
}

// SetClock replaces the time source of the domain wrappers.
func (f *Fleet) SetClock(now func() time.Time) {
	f.Locations.now = now
	f.Alerts.now = now
	f.Cameras.now = now
	f.Attendance.now = now
}

// Mount subscribes every mirror and loads its snapshot. A failed subscription aborts and
// closes what was opened; a failed load is logged and left to the mirror's error state.
func (f *Fleet) Mount(ctx context.Context) error {
	ms := f.mirrors()
	for i, m := range ms {
		if err := m.Start(ctx); err != nil {
			for _, opened := range ms[:i] {
				opened.Close()
			}
			return err
		}
	}
	for _, m := range ms {
		if err := m.Load(ctx); err != nil {
			logrus.Warnf("fleet: initial load of %s failed: %v", m.Table().Name, err)
		}
	}
	return nil
}

// Close tears down every mirror.
func (f *Fleet) Close() {
	for _, m := range f.mirrors() {
		m.Close()
	}
}
