package routing

import (
	"strconv"
	"strings"
)

// RenderTemplate substitutes every {{dotted.path}} placeholder in tmpl
// by looking up the path in data. Numeric path segments index into
// arrays. An unresolved path renders as an empty string when embedded
// in a larger template, or evaluates to nil when the whole template is
// exactly one placeholder.
func RenderTemplate(tmpl string, data map[string]interface{}) interface{} {
	if isBarePlaceholder(tmpl) {
		path := tmpl[2 : len(tmpl)-2]
		value, ok := lookupPath(data, path)
		if !ok {
			return nil
		}
		return value
	}

	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+start])
		rest := tmpl[i+start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			out.WriteString(tmpl[i+start:])
			break
		}
		path := strings.TrimSpace(rest[:end])
		if value, ok := lookupPath(data, path); ok {
			out.WriteString(stringify(value))
		}
		i = i + start + 2 + end + 2
	}
	return out.String()
}

func isBarePlaceholder(tmpl string) bool {
	return strings.HasPrefix(tmpl, "{{") && strings.HasSuffix(tmpl, "}}") &&
		strings.Count(tmpl, "{{") == 1 && strings.Count(tmpl, "}}") == 1
}

func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = data
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
