package automation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ResolveField walks a dot path like "task.status" through nested maps.
func ResolveField(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

var placeholderRegexp = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Interpolate replaces {{field}} placeholders with payload values. A
// placeholder whose field does not resolve is left verbatim so the gap is
// visible in the output.
func Interpolate(tmpl string, payload map[string]any) string {
	return placeholderRegexp.ReplaceAllStringFunc(tmpl, func(match string) string {
		field := placeholderRegexp.FindStringSubmatch(match)[1]
		v, ok := ResolveField(payload, field)
		if !ok {
			return match
		}
		return Stringify(v)
	})
}

// Stringify renders a payload value for terminal or chat output. nil becomes
// empty, structured values render as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return formatFloat(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
