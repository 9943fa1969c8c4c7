package transport

import (
	"context"
	"fmt"
	"time"

	"campusride/internal/backend"
	"campusride/internal/livesync"
)

// Kind selects which half of an attendance record is marked.
type Kind string

const (
	Pickup Kind = "pickup"
	Drop   Kind = "drop"
)

const dateLayout = "2006-01-02"

var markedStatus = map[Kind]string{
	Pickup: "picked_up",
	Drop:   "dropped",
}

// AttendanceBook mirrors attendance, one record per student per calendar date.
type AttendanceBook struct {
	*livesync.Collection[Attendance]
	now func() time.Time
}

// NewAttendanceBook builds an unmounted attendance mirror.
func NewAttendanceBook(b livesync.Backend, opts livesync.Options) *AttendanceBook {
	return &AttendanceBook{
		Collection: livesync.New[Attendance](b, AttendanceTable, opts),
		now:        defaultClock,
	}
}

// MarkAttendance sets the pickup or drop half of today's record for studentID. An
// existing record for today is patched; otherwise a new one is inserted. Two concurrent
// first marks for the same student race, and the loser gets a constraint failure.
func (b *AttendanceBook) MarkAttendance(ctx context.Context, studentID, cabID string, kind Kind) livesync.Result[Attendance] {
	status, ok := markedStatus[kind]
	if !ok {
		return livesync.Fail[Attendance](fmt.Errorf("%w: unknown attendance kind %q", ErrInvalidInput, kind))
	}
	if studentID == "" {
		return livesync.Fail[Attendance](fmt.Errorf("%w: student id required", ErrInvalidInput))
	}

	now := b.now()
	date := now.Format(dateLayout)
	fields := map[string]any{
		string(kind) + "_status": status,
		string(kind) + "_time":   now,
	}
	if cabID != "" {
		fields["cab_id"] = cabID
	}

	existing, err := b.Find(ctx, []backend.Filter{
		backend.Eq("student_id", studentID),
		backend.Eq("date", date),
	}, 1)
	if err != nil {
		return livesync.Fail[Attendance](err)
	}
	if len(existing) > 0 {
		return b.Update(ctx, existing[0].ID, fields)
	}

	fields["student_id"] = studentID
	fields["date"] = date
	return b.InsertValues(ctx, fields)
}

// ForDate returns the held records for a calendar date (YYYY-MM-DD).
func (b *AttendanceBook) ForDate(date string) []Attendance {
	var out []Attendance
	for _, rec := range b.Items() {
		if rec.Date == date {
			out = append(out, rec)
		}
	}
	return out
}

// Today returns the held records for the current date.
func (b *AttendanceBook) Today() []Attendance {
	return b.ForDate(b.now().Format(dateLayout))
}
