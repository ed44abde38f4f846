package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Item is one decoded record with no fixed schema. Values are whatever
// encoding/json produces with UseNumber: string, json.Number, bool, nil,
// []any and map[string]any.
type Item map[string]any

// Has reports whether key is present with a non-null value.
func (it Item) Has(key string) bool {
	v, ok := it[key]
	return ok && v != nil
}

// String returns the value under key rendered as a trimmed string.
// Numbers are rendered exactly; objects and arrays are not strings.
func (it Item) String(key string) (string, bool) {
	switch v := it[key].(type) {
	case string:
		s := strings.TrimSpace(v)
		return s, s != ""
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// First returns the first non-empty string found under any of keys.
func (it Item) First(keys ...string) (string, string, bool) {
	for _, k := range keys {
		if s, ok := it.String(k); ok {
			return s, k, true
		}
	}
	return "", "", false
}

// Int64 returns the value under key as an integer. Numeric strings such as
// "1,204" or "12" are accepted since exports are not consistent about it.
func (it Item) Int64(key string) (int64, bool) {
	switch v := it[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return floatToInt64(f)
		}
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	case float64:
		return floatToInt64(v)
	}
	return 0, false
}

// floatToInt64 truncates f, saturating at the int64 bounds.
func floatToInt64(f float64) (int64, bool) {
	switch {
	case math.IsNaN(f), math.IsInf(f, 0):
		return 0, false
	case f >= math.MaxInt64:
		return math.MaxInt64, true
	case f < math.MinInt64:
		return math.MinInt64, true
	}
	return int64(f), true
}

// FirstInt64 returns the first integer found under any of keys.
func (it Item) FirstInt64(keys ...string) (int64, bool) {
	for _, k := range keys {
		if n, ok := it.Int64(k); ok {
			return n, true
		}
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time parses the value under key as a timestamp. Unix seconds and
// milliseconds are both accepted.
func (it Item) Time(key string) (time.Time, bool) {
	if n, ok := it[key].(json.Number); ok {
		sec, err := n.Int64()
		if err != nil {
			return time.Time{}, false
		}
		if sec > 1e12 {
			return time.UnixMilli(sec).UTC(), true
		}
		return time.Unix(sec, 0).UTC(), true
	}
	s, ok := it.String(key)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FirstTime returns the first timestamp found under any of keys.
func (it Item) FirstTime(keys ...string) (time.Time, bool) {
	for _, k := range keys {
		if t, ok := it.Time(k); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Map returns the nested object under key.
func (it Item) Map(key string) (Item, bool) {
	m, ok := it[key].(map[string]any)
	if !ok {
		return nil, false
	}
	return Item(m), true
}

// Bool reports a truthy value under key ("true", true, 1, "yes").
func (it Item) Bool(key string) bool {
	switch v := it[key].(type) {
	case bool:
		return v
	case json.Number:
		return v.String() != "0"
	case string:
		return IsTruthy(v)
	}
	return false
}

// Raw marshals the item back to JSON for storage.
func (it Item) Raw() (json.RawMessage, error) {
	b, err := json.Marshal(map[string]any(it))
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	return b, nil
}

// IsTruthy interprets header and query style flags.
func IsTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// Lookup walks a dotted path ("authorMeta.name") and returns the object
// holding the leaf together with the leaf key.
func (it Item) Lookup(path string) (Item, string, bool) {
	parts := strings.Split(path, ".")
	cur := it
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur.Map(p)
		if !ok {
			return nil, "", false
		}
		cur = next
	}
	leaf := parts[len(parts)-1]
	if !cur.Has(leaf) {
		return nil, "", false
	}
	return cur, leaf, true
}

// StringPath is String over a dotted path.
func (it Item) StringPath(path string) (string, bool) {
	parent, leaf, ok := it.Lookup(path)
	if !ok {
		return "", false
	}
	return parent.String(leaf)
}
