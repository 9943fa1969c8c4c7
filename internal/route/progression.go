package route

import (
	"errors"
	"fmt"
	"time"
)

// StopStatus is the position of a stop relative to the cab.
type StopStatus string

const (
	Upcoming  StopStatus = "upcoming"
	Current   StopStatus = "current"
	Completed StopStatus = "completed"
)

func (s StopStatus) valid() bool {
	return s == Upcoming || s == Current || s == Completed
}

// StudentStatus is a passenger's boarding outcome at a stop.
type StudentStatus string

const (
	Waiting  StudentStatus = "waiting"
	Boarded  StudentStatus = "boarded"
	Canceled StudentStatus = "canceled"
	Skipped  StudentStatus = "skipped"
)

func (s StudentStatus) valid() bool {
	switch s {
	case Waiting, Boarded, Canceled, Skipped:
		return true
	}
	return false
}

// counted reports whether a passenger still occupies a seat count at the stop.
func (s StudentStatus) counted() bool { return s == Waiting || s == Boarded }

var (
	ErrStopNotFound      = errors.New("stop not found")
	ErrStudentNotFound   = errors.New("student not found")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCurrent        = errors.New("stop is not the current stop")
	ErrInvalidSequence   = errors.New("invalid stop sequence")
)

// Student is one passenger assigned to a stop.
type Student struct {
	ID     string        `json:"id"`
	Name   string        `json:"name,omitempty"`
	Status StudentStatus `json:"status"`
}

// Stop is one position of a trip. StudentsCount counts students waiting or boarded.
type Stop struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	ScheduledTime string     `json:"scheduled_time,omitempty"`
	Status        StopStatus `json:"status"`
	Students      []Student  `json:"students"`
	StudentsCount int        `json:"students_count"`
}

func (s *Stop) recount() {
	n := 0
	for _, st := range s.Students {
		if st.Status.counted() {
			n++
		}
	}
	s.StudentsCount = n
}

func (s Stop) clone() Stop {
	s.Students = append([]Student(nil), s.Students...)
	return s
}

// Progression sequences the stops of one trip. The stop at index current is the only
// one with status current; -1 means no stop is current. A Progression is not safe for
// concurrent use.
type Progression struct {
	routeID   string
	stops     []Stop
	current   int
	startedAt time.Time
	updatedAt time.Time
}

// New builds a progression from seeded stops. Stops must form a completed prefix, then
// exactly one current stop, then upcoming stops; a fully completed route has no current stop.
func New(routeID string, stops []Stop) (*Progression, error) {
	if len(stops) == 0 {
		return nil, fmt.Errorf("%w: route %s has no stops", ErrInvalidSequence, routeID)
	}
	p := restore(routeID, stops)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p.startedAt, p.updatedAt = now, now
	return p, nil
}

func restore(routeID string, stops []Stop) *Progression {
	p := &Progression{routeID: routeID, stops: make([]Stop, len(stops)), current: -1}
	for i, s := range stops {
		p.stops[i] = s.clone()
		p.stops[i].recount()
	}
	p.locateCurrent()
	return p
}

func (p *Progression) locateCurrent() {
	p.current = -1
	for i := range p.stops {
		if p.stops[i].Status == Current {
			p.current = i
			return
		}
	}
}

// Validate checks statuses, identities, and the stop ordering.
func (p *Progression) Validate() error {
	seen := make(map[string]bool, len(p.stops))
	currents := 0
	phase := Completed
	for i, s := range p.stops {
		if s.ID == "" || seen[s.ID] {
			return fmt.Errorf("%w: stop %d has a missing or duplicate id", ErrInvalidSequence, i)
		}
		seen[s.ID] = true
		if !s.Status.valid() {
			return fmt.Errorf("%w: stop %s status %q", ErrInvalidStatus, s.ID, s.Status)
		}
		for _, st := range s.Students {
			if !st.Status.valid() {
				return fmt.Errorf("%w: student %s status %q", ErrInvalidStatus, st.ID, st.Status)
			}
		}
		switch s.Status {
		case Completed:
			if phase != Completed {
				return fmt.Errorf("%w: completed stop %s after the current stop", ErrInvalidSequence, s.ID)
			}
		case Current:
			currents++
			if currents > 1 {
				return fmt.Errorf("%w: more than one current stop", ErrInvalidSequence)
			}
			if phase == Upcoming {
				return fmt.Errorf("%w: current stop %s after an upcoming stop", ErrInvalidSequence, s.ID)
			}
			phase = Current
		case Upcoming:
			if phase == Completed {
				return fmt.Errorf("%w: upcoming stop %s with no current stop before it", ErrInvalidSequence, s.ID)
			}
			phase = Upcoming
		}
	}
	return nil
}

// RouteID returns the route the trip runs.
func (p *Progression) RouteID() string { return p.routeID }

func (p *Progression) indexOf(stopID string) int {
	for i := range p.stops {
		if p.stops[i].ID == stopID {
			return i
		}
	}
	return -1
}

func (p *Progression) touch() { p.updatedAt = time.Now().UTC() }

// UpdateStudentStatus records a passenger's outcome and recounts the stop. Only
// waiting passengers can change, and only to boarded or skipped; repeating the
// current status is a no-op.
func (p *Progression) UpdateStudentStatus(stopID, studentID string, status StudentStatus) error {
	if !status.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	idx := p.indexOf(stopID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrStopNotFound, stopID)
	}
	stop := &p.stops[idx]
	for i := range stop.Students {
		st := &stop.Students[i]
		if st.ID != studentID {
			continue
		}
		if st.Status == status {
			return nil
		}
		if st.Status != Waiting || (status != Boarded && status != Skipped) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Status, status)
		}
		st.Status = status
		stop.recount()
		p.touch()
		return nil
	}
	return fmt.Errorf("%w: %s at stop %s", ErrStudentNotFound, studentID, stopID)
}

// UpdateStopStatus overwrites one stop's status without touching its neighbours. It is
// a low-level primitive and can leave the sequence invalid.
func (p *Progression) UpdateStopStatus(stopID string, status StopStatus) error {
	if !status.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	idx := p.indexOf(stopID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrStopNotFound, stopID)
	}
	p.stops[idx].Status = status
	p.locateCurrent()
	p.touch()
	return nil
}

// MarkStopAsCompleted completes the current stop, boards everyone still waiting there,
// and makes the next stop in sequence current. Completing the last stop leaves no stop
// current.
func (p *Progression) MarkStopAsCompleted(stopID string) error {
	idx := p.indexOf(stopID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrStopNotFound, stopID)
	}
	if idx != p.current {
		return fmt.Errorf("%w: %s is %s", ErrNotCurrent, stopID, p.stops[idx].Status)
	}

	stop := &p.stops[idx]
	stop.Status = Completed
	for i := range stop.Students {
		if stop.Students[i].Status == Waiting {
			stop.Students[i].Status = Boarded
		}
	}
	stop.recount()

	p.current = -1
	if next := idx + 1; next < len(p.stops) && p.stops[next].Status == Upcoming {
		p.stops[next].Status = Current
		p.current = next
	}
	p.touch()
	return nil
}

// CurrentStop returns the stop the cab is at.
func (p *Progression) CurrentStop() (Stop, bool) {
	if p.current < 0 {
		return Stop{}, false
	}
	return p.stops[p.current].clone(), true
}

// NextStop returns the stop after the current one.
func (p *Progression) NextStop() (Stop, bool) {
	if p.current < 0 || p.current+1 >= len(p.stops) {
		return Stop{}, false
	}
	return p.stops[p.current+1].clone(), true
}

// RemainingStops returns every stop not yet completed, in order.
func (p *Progression) RemainingStops() []Stop {
	var out []Stop
	for _, s := range p.stops {
		if s.Status != Completed {
			out = append(out, s.clone())
		}
	}
	return out
}

// Stops returns a copy of the full sequence.
func (p *Progression) Stops() []Stop {
	out := make([]Stop, len(p.stops))
	for i, s := range p.stops {
		out[i] = s.clone()
	}
	return out
}

// Summary is a roll-up of trip progress.
type Summary struct {
	RouteID        string `json:"route_id"`
	TotalStops     int    `json:"total_stops"`
	CompletedStops int    `json:"completed_stops"`
	CurrentStopID  string `json:"current_stop_id,omitempty"`
	NextStopID     string `json:"next_stop_id,omitempty"`
	Waiting        int    `json:"waiting"`
	Boarded        int    `json:"boarded"`
	Skipped        int    `json:"skipped"`
	Canceled       int    `json:"canceled"`
	Finished       bool   `json:"finished"`
}

// Summary rolls up the trip's progress.
func (p *Progression) Summary() Summary {
	sum := Summary{RouteID: p.routeID, TotalStops: len(p.stops)}
	for _, s := range p.stops {
		if s.Status == Completed {
			sum.CompletedStops++
		}
		for _, st := range s.Students {
			switch st.Status {
			case Waiting:
				sum.Waiting++
			case Boarded:
				sum.Boarded++
			case Skipped:
				sum.Skipped++
			case Canceled:
				sum.Canceled++
			}
		}
	}
	if cur, ok := p.CurrentStop(); ok {
		sum.CurrentStopID = cur.ID
	}
	if next, ok := p.NextStop(); ok {
		sum.NextStopID = next.ID
	}
	sum.Finished = sum.CompletedStops == sum.TotalStops
	return sum
}

// Snapshot is the persisted form of a progression.
type Snapshot struct {
	RouteID   string    `json:"route_id"`
	Stops     []Stop    `json:"stops"`
	Summary   Summary   `json:"summary"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns a copy of the trip for persistence.
func (p *Progression) Snapshot() Snapshot {
	return Snapshot{
		RouteID:   p.routeID,
		Stops:     p.Stops(),
		Summary:   p.Summary(),
		StartedAt: p.startedAt,
		UpdatedAt: p.updatedAt,
	}
}

// FromSnapshot rebuilds a progression without re-validating the ordering, since a
// low-level stop overwrite may have been persisted.
func FromSnapshot(s Snapshot) *Progression {
	p := restore(s.RouteID, s.Stops)
	p.startedAt, p.updatedAt = s.StartedAt, s.UpdatedAt
	return p
}
