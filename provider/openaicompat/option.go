package openaicompat

import "net/http"

// Option configures the provider.
type Option func(*Provider)

// WithPriority sets the registry priority (default: 0). Higher wins when
// several providers support a model.
func WithPriority(p int) Option {
	return func(o *Provider) { o.priority = p }
}

// WithHTTPClient replaces the default HTTP client, e.g. to set timeouts or
// a proxy.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Provider) { o.httpClient = c }
}

// WithTemperature sets the sampling temperature (default: 0.1).
func WithTemperature(t float64) Option {
	return func(o *Provider) { o.temperature = t }
}

// WithTopP sets nucleus sampling probability mass (default: 0.9).
func WithTopP(p float64) Option {
	return func(o *Provider) { o.topP = p }
}

// WithModelPrefixes overrides the model id prefixes the provider claims.
func WithModelPrefixes(prefixes ...string) Option {
	return func(o *Provider) { o.prefixes = prefixes }
}
