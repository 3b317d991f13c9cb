package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap maps a JSONB column to a generic object. Technician pricing,
// service costs, and the pricing matrix are heterogeneous by design and are
// canonicalized on read, never persisted back in normalized form.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// JSONValue maps a JSONB column whose shape varies per row: array, object,
// string, or null. Vehicle-type profiles use this.
type JSONValue struct {
	Raw interface{}
}

// Value implements driver.Valuer.
func (v JSONValue) Value() (driver.Value, error) {
	if v.Raw == nil {
		return nil, nil
	}
	return json.Marshal(v.Raw)
}

// Scan implements sql.Scanner.
func (v *JSONValue) Scan(src interface{}) error {
	v.Raw = nil
	if src == nil {
		return nil
	}
	return scanJSON(src, &v.Raw)
}

func scanJSON(src, dst interface{}) error {
	switch data := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, dst)
	case string:
		if data == "" {
			return nil
		}
		return json.Unmarshal([]byte(data), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
