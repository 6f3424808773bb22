package syncx

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Row is a normalized post-image: lower-snake-case column keys, millisecond
// timestamps as int64, nulls preserved, sync_status forced to "synced".
// A Row is the unit of exchange over push/pull and the payload shape stored
// in the change log.
type Row map[string]any

// SyncStatusSynced is the status stamped on every emitted payload. Clients
// use their own values locally to mark pending rows.
const SyncStatusSynced = "synced"

// Normalize validates a raw client payload against the table spec and
// produces the canonical post-image. Unknown keys, missing required fields,
// and type mismatches are reported as errors; the caller maps them to the
// wire "validation" code.
func Normalize(spec *TableSpec, payload map[string]any) (Row, error) {
	cols := spec.AllColumns()

	known := make(map[string]ColumnSpec, len(cols))
	for _, c := range cols {
		known[c.Name] = c
	}
	for k := range payload {
		if _, ok := known[k]; !ok {
			return nil, fmt.Errorf("unknown column %q for table %q", k, spec.Name)
		}
	}

	out := make(Row, len(cols))
	for _, c := range cols {
		if c.ServerOnly {
			continue
		}
		raw, present := payload[c.Name]
		if !present || raw == nil {
			if c.Required {
				return nil, fmt.Errorf("missing required field %q", c.Name)
			}
			if c.Name == "sync_status" {
				out[c.Name] = SyncStatusSynced
				continue
			}
			out[c.Name] = nil
			continue
		}

		v, err := coerce(c, raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", c.Name, err)
		}
		out[c.Name] = v
	}

	// Emitted payloads always carry "synced" regardless of the client value.
	out["sync_status"] = SyncStatusSynced

	for col, allowed := range spec.EnumChecks {
		v, _ := out[col].(string)
		ok := false
		for _, a := range allowed {
			if v == a {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("field %q: value %q not in %v", col, v, allowed)
		}
	}

	return out, nil
}

// coerce converts a decoded JSON value to the column's storage type.
func coerce(c ColumnSpec, raw any) (any, error) {
	switch c.Kind {
	case KindText:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case KindUUID:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected uuid string, got %T", raw)
		}
		if _, err := uuid.Parse(s); err != nil {
			return nil, fmt.Errorf("invalid uuid %q", s)
		}
		return s, nil
	case KindMs, KindInt:
		return toInt64(raw)
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil
	case KindJSON:
		// Embedded as the raw JSON value; anything decodable is well-formed.
		return raw, nil
	}
	return nil, fmt.Errorf("unhandled column kind %d", c.Kind)
}

// toInt64 accepts the numeric shapes a decoded JSON payload can carry.
func toInt64(raw any) (int64, error) {
	switch n := raw.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		i := int64(n)
		if float64(i) != n {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return i, nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

// ID returns the row id. Normalize guarantees presence.
func (r Row) ID() string {
	s, _ := r["id"].(string)
	return s
}

// UpdatedAt returns the row's updated_at in Unix milliseconds.
func (r Row) UpdatedAt() int64 {
	n, _ := toInt64Value(r["updated_at"])
	return n
}

// DeletedAt returns the tombstone timestamp, or nil for a live row.
func (r Row) DeletedAt() *int64 {
	if r["deleted_at"] == nil {
		return nil
	}
	n, ok := toInt64Value(r["deleted_at"])
	if !ok {
		return nil
	}
	return &n
}

func toInt64Value(raw any) (int64, bool) {
	n, err := toInt64(raw)
	return n, err == nil
}

// MarshalCanonical renders the row as canonical JSON: encoding/json sorts
// object keys, so equal rows always serialize to equal bytes. This is the
// exact byte form stored in the change log and compared for append dedup.
func (r Row) MarshalCanonical() ([]byte, error) {
	return json.Marshal(map[string]any(r))
}
