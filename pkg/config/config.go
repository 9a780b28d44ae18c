package config

// RouteConfig describes one mocked path. It is treated as immutable once it
// has been handed to a coordinator.
type RouteConfig struct {
	Path             string            `json:"path" yaml:"path"`
	Methods          []string          `json:"methods,omitempty" yaml:"methods,omitempty"`
	Response         string            `json:"response,omitempty" yaml:"response,omitempty"`
	StatusCode       int               `json:"statusCode" yaml:"statusCode"`
	ValidationSchema map[string]any    `json:"validationSchema,omitempty" yaml:"validationSchema,omitempty"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// AllowsMethod reports whether m is accepted. An empty method list accepts all.
func (r RouteConfig) AllowsMethod(m string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, x := range r.Methods {
		if x == m {
			return true
		}
	}
	return false
}

// ServerConfig is the full configuration owned by one mockhub process.
type ServerConfig struct {
	ListenPort int           `json:"port" yaml:"port"`
	Host       string        `json:"host,omitempty" yaml:"host,omitempty"`
	Routes     []RouteConfig `json:"paths" yaml:"paths"`
}

// Paths returns the route paths in declared order.
func (c ServerConfig) Paths() []string {
	out := make([]string, 0, len(c.Routes))
	for _, r := range c.Routes {
		out = append(out, r.Path)
	}
	return out
}

// DefaultStatusCode is applied to routes that omit statusCode.
const DefaultStatusCode = 200

// ApplyDefaults fills zero-valued fields the way the CLI does.
func (c *ServerConfig) ApplyDefaults() {
	for i := range c.Routes {
		if c.Routes[i].StatusCode == 0 {
			c.Routes[i].StatusCode = DefaultStatusCode
		}
	}
}
