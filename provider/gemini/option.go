package gemini

import "net/http"

// Option configures the Gemini provider.
type Option func(*Provider)

// WithPriority sets the registry priority (default: 0). Higher wins when
// several providers support a model.
func WithPriority(p int) Option {
	return func(g *Provider) { g.priority = p }
}

// WithHTTPClient replaces the default HTTP client, e.g. to set timeouts or
// a proxy.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Provider) { g.httpClient = c }
}

// WithTemperature sets the sampling temperature (default: 0.1).
func WithTemperature(t float64) Option {
	return func(g *Provider) { g.temperature = t }
}

// WithTopP sets nucleus sampling probability mass (default: 0.9).
func WithTopP(p float64) Option {
	return func(g *Provider) { g.topP = p }
}
