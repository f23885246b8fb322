package events

import (
	"strings"

	"github.com/goccy/go-json"

	"cloudemu/pkg/awserr"
)

// pattern is a parsed event pattern. Leaves are arrays of allowed values or content filters;
// objects nest into the event.
type pattern map[string]any

func invalidPattern(message string) *awserr.Error {
	return awserr.InvalidArgument("Event pattern is not valid. Reason: " + message).
		WithCode("InvalidEventPatternException")
}

// parsePattern checks that src is a JSON object whose leaves are all arrays.
func parsePattern(src string) (pattern, error) {
	var p pattern
	if err := json.Unmarshal([]byte(src), &p); err != nil || p == nil {
		return nil, invalidPattern("Filter is not an object")
	}
	if err := checkPattern(p); err != nil {
		return nil, err
	}
	return p, nil
}

func checkPattern(p map[string]any) error {
	for key, v := range p {
		switch v := v.(type) {
		case map[string]any:
			if err := checkPattern(v); err != nil {
				return err
			}
		case []any:
			for _, allowed := range v {
				if filter, ok := allowed.(map[string]any); ok && len(filter) != 1 {
					return invalidPattern("Content filter for " + key + " must have exactly one key")
				}
			}
		default:
			return invalidPattern("Match value for " + key + " must be an array")
		}
	}
	return nil
}

// matches reports whether event satisfies every field of p.
func (p pattern) matches(event map[string]any) bool {
	return matchObject(p, event)
}

func matchObject(p map[string]any, event map[string]any) bool {
	for key, want := range p {
		got, present := event[key]
		switch want := want.(type) {
		case map[string]any:
			nested, ok := got.(map[string]any)
			if !ok || !matchObject(want, nested) {
				return false
			}
		case []any:
			if !matchValues(want, got, present) {
				return false
			}
		}
	}
	return true
}

// matchValues matches one event field against the allowed list. An array field matches when
// any of its elements does.
func matchValues(allowed []any, got any, present bool) bool {
	values, isArray := got.([]any)
	if !isArray {
		values = []any{got}
	}
	for _, want := range allowed {
		if filter, ok := want.(map[string]any); ok {
			if matchFilter(filter, values, present) {
				return true
			}
			continue
		}
		if !present {
			continue
		}
		for _, v := range values {
			if equal(want, v) {
				return true
			}
		}
	}
	return false
}

func matchFilter(filter map[string]any, values []any, present bool) bool {
	for op, arg := range filter {
		switch op {
		case "exists":
			want, _ := arg.(bool)
			return want == present
		case "prefix":
			prefix, _ := arg.(string)
			return present && anyString(values, func(s string) bool { return strings.HasPrefix(s, prefix) })
		case "suffix":
			suffix, _ := arg.(string)
			return present && anyString(values, func(s string) bool { return strings.HasSuffix(s, suffix) })
		case "equals-ignore-case":
			want, _ := arg.(string)
			return present && anyString(values, func(s string) bool { return strings.EqualFold(s, want) })
		case "anything-but":
			if !present {
				return false
			}
			excluded, ok := arg.([]any)
			if !ok {
				excluded = []any{arg}
			}
			for _, v := range values {
				for _, x := range excluded {
					if equal(x, v) {
						return false
					}
				}
			}
			return true
		case "numeric":
			return present && matchNumeric(arg, values)
		}
	}
	return false
}

func anyString(values []any, pred func(string) bool) bool {
	for _, v := range values {
		if s, ok := v.(string); ok && pred(s) {
			return true
		}
	}
	return false
}

// matchNumeric evaluates ["<", 10, ">=", 2] style range filters.
func matchNumeric(arg any, values []any) bool {
	terms, ok := arg.([]any)
	if !ok || len(terms)%2 != 0 {
		return false
	}
	for _, v := range values {
		n, ok := v.(float64)
		if !ok {
			continue
		}
		hit := true
		for i := 0; i < len(terms); i += 2 {
			op, _ := terms[i].(string)
			bound, _ := terms[i+1].(float64)
			switch op {
			case "<":
				hit = hit && n < bound
			case "<=":
				hit = hit && n <= bound
			case ">":
				hit = hit && n > bound
			case ">=":
				hit = hit && n >= bound
			case "=":
				hit = hit && n == bound
			default:
				hit = false
			}
		}
		if hit {
			return true
		}
	}
	return false
}

func equal(want, got any) bool {
	switch w := want.(type) {
	case nil:
		return got == nil
	case string:
		g, ok := got.(string)
		return ok && g == w
	case float64:
		g, ok := got.(float64)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	}
	return false
}
