package meander

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ResolveTemplate substitutes {name} tokens in template with values from
// context. A token resolves to the context value rendered as a string, or
// to the empty string when the key is absent. Unterminated braces are left
// literal. The function is pure: neither input is mutated.
func ResolveTemplate(template string, context map[string]any) string {
	if !strings.ContainsRune(template, '{') {
		return template
	}
	var b strings.Builder
	b.Grow(len(template))
	for {
		open := strings.IndexByte(template, '{')
		if open < 0 {
			b.WriteString(template)
			return b.String()
		}
		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			b.WriteString(template)
			return b.String()
		}
		close += open
		key := template[open+1 : close]
		// A brace inside the token means the opening brace was literal
		// (e.g. embedded JSON); emit it and rescan from the next rune.
		if strings.ContainsRune(key, '{') {
			b.WriteString(template[:open+1])
			template = template[open+1:]
			continue
		}
		b.WriteString(template[:open])
		if v, ok := context[key]; ok {
			b.WriteString(Stringify(v))
		}
		template = template[close+1:]
	}
}

// ResolveArgs returns a copy of args with every string value passed through
// ResolveTemplate. Non-string values are carried over untouched.
func ResolveArgs(args map[string]any, context map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			resolved[k] = ResolveTemplate(s, context)
		} else {
			resolved[k] = v
		}
	}
	return resolved
}

// Stringify renders a context value the way templates and prompts expect:
// strings verbatim, integral floats without the decimal point, booleans as
// true/false, nil as empty, everything else as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
