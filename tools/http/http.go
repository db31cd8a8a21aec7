// Package http provides an http_fetch tool for plan steps: it downloads a
// URL and extracts readable article text.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	meander "github.com/nevindra/meander"
)

// maxContent caps the text handed back to the engine so a single fetch
// cannot blow the execution context.
const maxContent = 8000

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

var _ meander.Tool = (*Tool)(nil)

// New creates a fetch tool with a 15-second timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Tool) Name() string { return "http_fetch" }

func (t *Tool) Description() string {
	return "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation. Args: url (string)."
}

// Execute fetches args["url"] and returns the extracted text.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("http_fetch: url is required")
	}

	content, err := t.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (truncated)"
	}
	return content, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by
// other tools.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; MeanderBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	// Try readability extraction
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Fallback: simple HTML stripping
	return stripHTML(html), nil
}

// stripHTML removes tags and collapses whitespace. Script and style bodies
// are dropped entirely.
func stripHTML(content string) string {
	var result strings.Builder
	result.Grow(len(content))

	inTag := false
	skipBody := false
	var tagName strings.Builder
	collectingTag := false

	for _, r := range content {
		if r == '<' {
			inTag = true
			collectingTag = true
			tagName.Reset()
			continue
		}
		if inTag {
			if collectingTag {
				if r == ' ' || r == '>' || (r == '/' && tagName.Len() > 0) {
					collectingTag = false
					switch strings.ToLower(tagName.String()) {
					case "script", "style":
						skipBody = true
					case "/script", "/style":
						skipBody = false
					case "p", "/p", "br", "div", "/div", "li", "/li", "tr", "/tr",
						"h1", "h2", "h3", "h4", "h5", "h6":
						result.WriteByte('\n')
					}
				} else {
					tagName.WriteRune(r)
				}
			}
			if r == '>' {
				inTag = false
			}
			continue
		}
		if skipBody {
			continue
		}
		result.WriteRune(r)
	}

	lines := strings.Split(result.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
