package livesync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"campusride/internal/backend"
)

const zeroTime = "0001-01-01T00:00:00Z"

// Values turns a record into a column map for a write. Null values, an empty id, zero
// timestamps, and the embedded join keys are left out so the backend fills its defaults.
func Values(rec any, joins []backend.Join) (map[string]any, error) {
	return columns(rec, joins, false)
}

// PatchValues is Values for a partial update body: an explicit null is kept so the
// column is cleared.
func PatchValues(patch map[string]any, joins []backend.Join) (map[string]any, error) {
	return columns(patch, joins, true)
}

func columns(rec any, joins []backend.Join, keepNull bool) (map[string]any, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	skip := make(map[string]bool, len(joins))
	for _, j := range joins {
		skip[j.As] = true
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if skip[k] {
			continue
		}
		switch val := v.(type) {
		case nil:
			if keepNull && k != "id" {
				out[k] = nil
			}
		case string:
			if (k == "id" && val == "") || val == zeroTime {
				continue
			}
			out[k] = val
		case json.Number:
			out[k] = number(val)
		default:
			out[k] = val
		}
	}
	return out, nil
}

func number(n json.Number) any {
	if !strings.ContainsAny(n.String(), ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	f, _ := n.Float64()
	return f
}

func decode[T Record](raw json.RawMessage) (T, error) {
	var rec T
	if len(raw) == 0 || string(raw) == "null" {
		return rec, errors.New("empty row")
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, err
	}
	if rec.Key() == "" {
		return rec, errors.New("row without identity")
	}
	return rec, nil
}

func decodeAll[T Record](raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		rec, err := decode[T](raw)
		if err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// carryJoins copies joined sub-records from old into an update payload that lacks them,
// unless the payload moved the foreign key.
func carryJoins[T Record](old T, raw json.RawMessage, joins []backend.Join) json.RawMessage {
	if len(joins) == 0 {
		return raw
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return raw
	}
	b, err := json.Marshal(old)
	if err != nil {
		return raw
	}
	var prev map[string]json.RawMessage
	if err := json.Unmarshal(b, &prev); err != nil {
		return raw
	}
	changed := false
	for _, j := range joins {
		if _, ok := payload[j.As]; ok {
			continue
		}
		v, ok := prev[j.As]
		if !ok {
			continue
		}
		if fk, ok := payload[j.ForeignKey]; ok && !bytes.Equal(fk, prev[j.ForeignKey]) {
			continue
		}
		payload[j.As] = v
		changed = true
	}
	if !changed {
		return raw
	}
	merged, err := json.Marshal(payload)
	if err != nil {
		return raw
	}
	return merged
}
