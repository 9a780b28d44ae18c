package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {}, "OPTIONS": {}, "HEAD": {},
}

// ValidationError points at the route (if any) that made a config invalid.
type ValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config: %s for path %s: %s", e.Field, e.Path, e.Message)
}

// Validate checks a ServerConfig. It is used both on local input and on
// configs received from other processes, so it never trusts its argument.
func Validate(cfg ServerConfig) error {
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return &ValidationError{Field: "port", Message: fmt.Sprintf("invalid port number %d", cfg.ListenPort)}
	}
	if len(cfg.Routes) == 0 {
		return &ValidationError{Field: "paths", Message: "at least one path is required"}
	}
	var errs []error
	for _, r := range cfg.Routes {
		if err := ValidateRoute(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateRoute checks a single route.
func ValidateRoute(r RouteConfig) error {
	if !strings.HasPrefix(r.Path, "/") {
		return &ValidationError{Path: r.Path, Field: "path", Message: "must start with /"}
	}
	for _, m := range r.Methods {
		if _, ok := allowedMethods[m]; !ok {
			return &ValidationError{Path: r.Path, Field: "methods", Message: fmt.Sprintf("invalid HTTP method %q", m)}
		}
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return &ValidationError{Path: r.Path, Field: "statusCode", Message: fmt.Sprintf("invalid status code %d", r.StatusCode)}
	}
	if r.Response != "" && !json.Valid([]byte(r.Response)) {
		if st, err := os.Stat(r.Response); err != nil || st.IsDir() {
			return &ValidationError{Path: r.Path, Field: "response", Message: "neither a valid JSON string nor an existing file path"}
		}
	}
	if r.ValidationSchema != nil {
		if _, err := CompileSchema(r.ValidationSchema); err != nil {
			return &ValidationError{Path: r.Path, Field: "validationSchema", Message: err.Error()}
		}
	}
	return nil
}

// CompileSchema compiles an inline JSON schema document.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}
