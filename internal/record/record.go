// Package record provides field access over the loosely-typed rows that flow
// between the local store and the remote gateway.
//
// Rows are plain maps. The remote side uses snake_case columns while local
// objects commonly carry camelCase fields, so every read tolerates both
// spellings of the same logical name. Timestamps arrive as integers, numeric
// strings, ISO-8601 strings or time values depending on the side; the
// coercion helpers normalize all of them to integer milliseconds.
package record

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Get reads a field trying the exact name first, then its camelCase form,
// then its snake_case form. The second return is false when no spelling is
// present.
func Get(rec map[string]any, field string) (any, bool) {
	if rec == nil {
		return nil, false
	}
	if v, ok := rec[field]; ok {
		return v, true
	}
	if camel := ToCamel(field); camel != field {
		if v, ok := rec[camel]; ok {
			return v, true
		}
	}
	if snake := ToSnake(field); snake != field {
		if v, ok := rec[snake]; ok {
			return v, true
		}
	}
	return nil, false
}

// GetString reads a field and renders it as a string. Missing or nil
// values yield "".
func GetString(rec map[string]any, field string) string {
	v, ok := Get(rec, field)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Timestamp reads a field and coerces it to integer milliseconds.
// Numbers, numeric strings and time values coerce; anything else is 0.
func Timestamp(rec map[string]any, field string) int64 {
	v, ok := Get(rec, field)
	if !ok {
		return 0
	}
	return CoerceMillis(v)
}

// CoerceMillis converts a single value to integer milliseconds, or 0.
func CoerceMillis(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
		return 0
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(f)
		}
		return 0
	case time.Time:
		return t.UnixMilli()
	default:
		return 0
	}
}

// RemoteMillis converts a remote timestamp value to integer milliseconds.
// Remote timestamps are ISO-8601 strings, but numeric values and time
// values are tolerated as well. Unparseable values yield 0.
func RemoteMillis(v any) int64 {
	if s, ok := v.(string); ok {
		if ms, err := ParseISO(s); err == nil {
			return ms
		}
	}
	return CoerceMillis(v)
}

// Deleted reads the soft-delete field; only boolean true counts as deleted.
func Deleted(rec map[string]any, field string) bool {
	v, ok := Get(rec, field)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// ExtractPath resolves a dotted path ("meta.slug") against a record.
// The head segment is read with name-style fallback; when its value is a
// JSON-text string it is parsed before traversal continues. Missing or
// unparseable segments yield (nil, false).
func ExtractPath(rec map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	cur, ok := Get(rec, segs[0])
	if !ok {
		return nil, false
	}
	for _, seg := range segs[1:] {
		m, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asObject views a value as a JSON object, parsing JSON-text strings.
func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

// SerializeKey encodes an ordered list of unique-key values into a single
// comparable string. The same encoding must be used on both sides of any
// comparison; JSON-array encoding is total and deterministic for the value
// types that reach it.
func SerializeKey(vals []any) string {
	b, err := json.Marshal(vals)
	if err != nil {
		// Unmarshalable values (channels, funcs) never reach a unique key;
		// degrade to a still-deterministic rendering.
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = strconv.Quote(GetString(map[string]any{"v": v}, "v"))
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return string(b)
}

// ParseISO parses an ISO-8601 / RFC 3339 timestamp to integer milliseconds.
func ParseISO(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Postgres renders timestamps without the "T" separator.
		t, err = time.Parse("2006-01-02 15:04:05.999999999Z07:00", s)
		if err != nil {
			return 0, err
		}
	}
	return t.UnixMilli(), nil
}

// FormatISO renders integer milliseconds as an ISO-8601 UTC string.
func FormatISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ToSnake converts camelCase to snake_case. Already-snake input passes
// through unchanged.
func ToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamel converts snake_case to camelCase. Already-camel input passes
// through unchanged.
func ToCamel(s string) string {
	var b strings.Builder
	upper := false
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
