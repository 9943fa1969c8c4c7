package backend

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"campusride/internal/feed"
)

var (
	// ErrNotFound is returned when an update or delete targets an absent id.
	ErrNotFound = errors.New("record not found")
	// ErrConstraint is returned when a write violates a unique key.
	ErrConstraint = errors.New("constraint violation")
	// ErrInvalid is returned for malformed queries or mutations.
	ErrInvalid = errors.New("invalid request")
)

// Op is a mutation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Filter is an equality predicate on a column.
type Filter struct {
	Column string
	Value  any
}

// Eq builds a Filter.
func Eq(column string, value any) Filter { return Filter{Column: column, Value: value} }

// Join embeds the row of Table whose id equals the parent's ForeignKey, under key As.
type Join struct {
	Table      string
	As         string
	ForeignKey string
}

// Query selects rows of one table, newest first by OrderBy unless Ascending.
type Query struct {
	Table     string
	Joins     []Join
	Filters   []Filter
	OrderBy   string
	Ascending bool
	Limit     int
}

// Mutation writes a single record. ID is used by update and delete.
type Mutation struct {
	Table  string
	Op     Op
	ID     string
	Values map[string]any
}

// Store reads and writes rows as JSON objects.
type Store interface {
	Query(ctx context.Context, q Query) ([]json.RawMessage, error)
	Mutate(ctx context.Context, m Mutation) ([]json.RawMessage, error)
}

// Client is the data-access capability handed to the sync layer.
type Client struct {
	Store
	Feed feed.Feed
}

// New composes a store with a change feed.
func New(store Store, f feed.Feed) *Client {
	return &Client{Store: store, Feed: f}
}

// Subscribe opens a change channel for table.
func (c *Client) Subscribe(ctx context.Context, table string) (<-chan feed.Event, error) {
	return c.Feed.Subscribe(ctx, table)
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validIdent(s string) bool { return identRe.MatchString(s) }

func validateQuery(q Query) error {
	if !validIdent(q.Table) {
		return errorf("table %q", q.Table)
	}
	if q.OrderBy != "" && !validIdent(q.OrderBy) {
		return errorf("order column %q", q.OrderBy)
	}
	for _, f := range q.Filters {
		if !validIdent(f.Column) {
			return errorf("filter column %q", f.Column)
		}
	}
	for _, j := range q.Joins {
		if !validIdent(j.Table) || !validIdent(j.As) || !validIdent(j.ForeignKey) {
			return errorf("join %+v", j)
		}
	}
	return nil
}

func validateMutation(m Mutation) error {
	if !validIdent(m.Table) {
		return errorf("table %q", m.Table)
	}
	switch m.Op {
	case OpInsert:
	case OpUpdate:
		if m.ID == "" {
			return errorf("update without id")
		}
		if len(m.Values) == 0 {
			return errorf("empty patch")
		}
	case OpDelete:
		if m.ID == "" {
			return errorf("delete without id")
		}
	default:
		return errorf("op %q", m.Op)
	}
	for col := range m.Values {
		if !validIdent(col) {
			return errorf("column %q", col)
		}
	}
	return nil
}
