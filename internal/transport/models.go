package transport

import (
	"time"

	"campusride/internal/backend"
	"campusride/internal/livesync"
)

// Cab is a campus vehicle.
type Cab struct {
	ID          string    `json:"id"`
	CabNumber   string    `json:"cab_number"`
	PlateNumber string    `json:"plate_number,omitempty"`
	Capacity    int       `json:"capacity,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key implements livesync.Record.
func (c Cab) Key() string { return c.ID }

// Driver is assigned to at most one cab.
type Driver struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone,omitempty"`
	LicenseNumber string    `json:"license_number,omitempty"`
	CabID         string    `json:"cab_id,omitempty"`
	Cab           *Cab      `json:"cab,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Key implements livesync.Record.
func (d Driver) Key() string { return d.ID }

// Student rides a cab and is picked up at a named stop.
type Student struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Grade      string    `json:"grade,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
	CabID      string    `json:"cab_id,omitempty"`
	PickupStop string    `json:"pickup_stop,omitempty"`
	Cab        *Cab      `json:"cab,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Key implements livesync.Record.
func (s Student) Key() string { return s.ID }

// RouteStop is one scheduled stop of a route and the students picked up there.
type RouteStop struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ScheduledTime string   `json:"scheduled_time,omitempty"`
	StudentIDs    []string `json:"student_ids,omitempty"`
}

// Route is the ordered stop list a cab drives.
type Route struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CabID     string      `json:"cab_id,omitempty"`
	Stops     []RouteStop `json:"stops,omitempty"`
	Cab       *Cab        `json:"cab,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Key implements livesync.Record.
func (r Route) Key() string { return r.ID }

// LiveLocation is one position report. Newer reports for a cab supersede older ones.
type LiveLocation struct {
	ID        string    `json:"id"`
	CabID     string    `json:"cab_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
	IsActive  bool      `json:"is_active"`
	Cab       *Cab      `json:"cab,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key implements livesync.Record.
func (l LiveLocation) Key() string { return l.ID }

// SOSAlert is raised unresolved and resolved once.
type SOSAlert struct {
	ID          string     `json:"id"`
	CabID       string     `json:"cab_id"`
	TriggeredBy string     `json:"triggered_by"`
	AlertType   string     `json:"alert_type,omitempty"`
	Message     *string    `json:"message,omitempty"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	IsResolved  bool       `json:"is_resolved"`
	ResolvedBy  *string    `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Cab         *Cab       `json:"cab,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Key implements livesync.Record.
func (a SOSAlert) Key() string { return a.ID }

// CameraEvent records a cab camera being switched on and later off.
type CameraEvent struct {
	ID            string     `json:"id"`
	CabID         string     `json:"cab_id"`
	IsActive      bool       `json:"is_active"`
	ActivatedBy   string     `json:"activated_by,omitempty"`
	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	Cab           *Cab       `json:"cab,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Key implements livesync.Record.
func (e CameraEvent) Key() string { return e.ID }

// Attendance holds one student's pickup and drop for one calendar date.
type Attendance struct {
	ID           string     `json:"id"`
	StudentID    string     `json:"student_id"`
	CabID        string     `json:"cab_id,omitempty"`
	Date         string     `json:"date"`
	PickupStatus *string    `json:"pickup_status,omitempty"`
	PickupTime   *time.Time `json:"pickup_time,omitempty"`
	DropStatus   *string    `json:"drop_status,omitempty"`
	DropTime     *time.Time `json:"drop_time,omitempty"`
	Student      *Student   `json:"student,omitempty"`
	Cab          *Cab       `json:"cab,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Key implements livesync.Record.
func (a Attendance) Key() string { return a.ID }

var cabJoin = backend.Join{Table: "cabs", As: "cab", ForeignKey: "cab_id"}

// Table definitions for every collection.
var (
	CabsTable          = livesync.Table{Name: "cabs"}
	DriversTable       = livesync.Table{Name: "drivers", Joins: []backend.Join{cabJoin}}
	StudentsTable      = livesync.Table{Name: "students", Joins: []backend.Join{cabJoin}}
	RoutesTable        = livesync.Table{Name: "routes", Joins: []backend.Join{cabJoin}}
	LiveLocationsTable = livesync.Table{Name: "live_locations", Joins: []backend.Join{cabJoin}}
	SOSAlertsTable     = livesync.Table{Name: "sos_alerts", Joins: []backend.Join{cabJoin}}
	CameraEventsTable  = livesync.Table{Name: "camera_events", Joins: []backend.Join{cabJoin}}
	AttendanceTable    = livesync.Table{Name: "attendance", Joins: []backend.Join{
		{Table: "students", As: "student", ForeignKey: "student_id"},
		cabJoin,
	}}
)

// Tables lists every collection table by name.
var Tables = map[string]livesync.Table{
	CabsTable.Name:          CabsTable,
	DriversTable.Name:       DriversTable,
	StudentsTable.Name:      StudentsTable,
	RoutesTable.Name:        RoutesTable,
	LiveLocationsTable.Name: LiveLocationsTable,
	SOSAlertsTable.Name:     SOSAlertsTable,
	CameraEventsTable.Name:  CameraEventsTable,
	AttendanceTable.Name:    AttendanceTable,
}

// ConfigureMemory declares on an in-process store the unique keys the database schema enforces.
func ConfigureMemory(m *backend.Memory) {
	m.Unique(CabsTable.Name, "cab_number")
	m.Unique(AttendanceTable.Name, "student_id", "date")
}
