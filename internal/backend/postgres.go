package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres persists records in Postgres and returns them as to_jsonb rows.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over a pgx-backed *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Query implements Store.
func (p *Postgres) Query(ctx context.Context, q Query) ([]json.RawMessage, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	query, args := buildSelect(q)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var res []json.RawMessage
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		res = append(res, json.RawMessage(b))
	}
	return res, rows.Err()
}

// Mutate implements Store.
func (p *Postgres) Mutate(ctx context.Context, m Mutation) ([]json.RawMessage, error) {
	if err := validateMutation(m); err != nil {
		return nil, err
	}
	var query string
	var args []any
	switch m.Op {
	case OpInsert:
		query, args = buildInsert(m.Table, m.Values)
	case OpUpdate:
		query, args = buildUpdate(m.Table, m.ID, m.Values)
	case OpDelete:
		query, args = buildDelete(m.Table, m.ID)
	}
	args, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}

	var b []byte
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, m.Table, m.ID)
		}
		return nil, mapError(err)
	}
	return []json.RawMessage{b}, nil
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

func buildSelect(q Query) (string, []any) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sel := "to_jsonb(t)"
	for i, j := range q.Joins {
		alias := fmt.Sprintf("j%d", i)
		sel += fmt.Sprintf(" || jsonb_build_object(%s::text, (SELECT to_jsonb(%s) FROM %s %s WHERE %s.id = t.%s))",
			next(j.As), alias, ident(j.Table), alias, alias, ident(j.ForeignKey))
	}

	var b strings.Builder
	b.WriteString("SELECT " + sel + " FROM " + ident(q.Table) + " t")
	if len(q.Filters) > 0 {
		clauses := make([]string, len(q.Filters))
		for i, f := range q.Filters {
			clauses[i] = "t." + ident(f.Column) + " = " + next(f.Value)
		}
		b.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	if q.OrderBy != "" {
		dir := "DESC"
		if q.Ascending {
			dir = "ASC"
		}
		b.WriteString(" ORDER BY t." + ident(q.OrderBy) + " " + dir)
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + next(q.Limit))
	}
	return b.String(), args
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildInsert(table string, values map[string]any) (string, []any) {
	if len(values) == 0 {
		return "INSERT INTO " + ident(table) + " AS t DEFAULT VALUES RETURNING to_jsonb(t)", nil
	}
	keys := sortedKeys(values)
	cols := make([]string, len(keys))
	params := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = ident(k)
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[k]
	}
	return fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t)",
		ident(table), strings.Join(cols, ", "), strings.Join(params, ", ")), args
}

func buildUpdate(table, id string, values map[string]any) (string, []any) {
	args := []any{id}
	var sets []string
	for _, k := range sortedKeys(values) {
		if k == "id" {
			continue
		}
		args = append(args, values[k])
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(k), len(args)))
	}
	return fmt.Sprintf("UPDATE %s AS t SET %s WHERE t.id = $1 RETURNING to_jsonb(t)",
		ident(table), strings.Join(sets, ", ")), args
}

func buildDelete(table, id string) (string, []any) {
	return fmt.Sprintf("DELETE FROM %s AS t WHERE t.id = $1 RETURNING to_jsonb(t)", ident(table)), []any{id}
}

// encodeArgs turns nested maps and slices into JSON text for jsonb columns.
func encodeArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		switch a.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(a)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			out[i] = string(b)
		default:
			out[i] = a
		}
	}
	return out, nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23502", "23514":
			return fmt.Errorf("%w: %s", ErrConstraint, pgErr.Message)
		case "22P02", "42703", "42P01":
			return fmt.Errorf("%w: %s", ErrInvalid, pgErr.Message)
		}
	}
	return err
}
