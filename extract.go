package meander

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExtractJSON extracts the first balanced JSON object from free-form agent
// output. Fenced code blocks (```json or untagged) are tried first, in
// document order, because agents routinely wrap structured answers in
// markdown; the raw text is scanned as a fallback. Returns false when no
// parseable object exists.
func ExtractJSON(output string) (map[string]any, bool) {
	for _, block := range fencedBlocks(output) {
		if obj, ok := firstObject(block); ok {
			return obj, true
		}
	}
	return firstObject(output)
}

// fencedBlocks returns the contents of fenced code blocks tagged json (or
// untagged) in document order.
func fencedBlocks(output string) []string {
	if !strings.Contains(output, "```") {
		return nil
	}
	source := []byte(output)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	var blocks []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if lang := string(fc.Language(source)); lang != "" && lang != "json" {
			return ast.WalkSkipChildren, nil
		}
		var b strings.Builder
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(source))
		}
		blocks = append(blocks, b.String())
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// firstObject scans s for the first balanced {...} span that unmarshals
// into a JSON object. Braces inside string literals are ignored.
func firstObject(s string) (map[string]any, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		if end := balancedEnd(s, start); end > start {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
				return obj, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			return nil, false
		}
		start += 1 + next
	}
	return nil, false
}

// balancedEnd returns the index of the brace closing the object opened at
// start, or -1 when the object never closes.
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ReadString reads the first present key from obj as a string. Non-string
// scalars are rendered with Stringify so numeric and boolean answers still
// read as text.
func ReadString(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s, true
			}
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		return Stringify(v), true
	}
	return "", false
}

// ReadNumber reads the first present key from obj as a float64. JSON
// numbers are accepted directly; numeric strings ("85", "85.5") are parsed,
// since agents frequently quote scores.
func ReadNumber(obj map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
