package channel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StableStringify serializes a value as JSON with object keys sorted
// lexicographically at every depth; arrays keep their order. Both sides of
// the publish/subscribe boundary must agree byte for byte.
func StableStringify(v any) string {
	var b strings.Builder
	writeStable(&b, v)
	return b.String()
}

func writeStable(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeScalar(b, k)
			b.WriteByte(':')
			writeStable(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, e)
		}
		b.WriteByte(']')
	default:
		writeScalar(b, t)
	}
}

func writeScalar(b *strings.Builder, v any) {
	enc, err := json.Marshal(v)
	if err != nil {
		// Opaque values (functions, terms) have no JSON form; serialize as
		// null so the channel name stays parseable.
		b.WriteString("null")
		return
	}
	b.Write(enc)
}

// Stringify coerces a primitive to the representation used for untyped
// channel params. Numbers render like JSON numbers (no trailing zero
// fraction) so "2" and 2 route identically.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func parseJSONObject(s string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
