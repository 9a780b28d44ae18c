// Package mockhttp turns a resolved RouteConfig into an HTTP response.
package mockhttp

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-mockhub/pkg/config"
	"github.com/amirimatin/go-mockhub/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-mockhub/pkg/observability/metrics"
	"github.com/amirimatin/go-mockhub/pkg/observability/tracing"
)

// Resolver looks a request path up in the aggregated route table.
type Resolver interface {
	Resolve(path string) (config.RouteConfig, bool)
}

// MaxBodySize bounds request bodies read for schema validation.
const MaxBodySize = 10 << 20

var defaultBody = []byte(`{"success":true}`)

// Handler serves mocked responses for whatever the Resolver knows about.
type Handler struct {
	routes Resolver
	logger *zerolog.Logger

	// compiled schemas keyed by their canonical JSON
	schemas sync.Map
}

func New(routes Resolver, logger *zerolog.Logger) *Handler {
	return &Handler{routes: routes, logger: logutil.Or(logger, "mockhttp")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, end := tracing.StartSpan(r.Context(), "mockhttp.request",
		attribute.String("method", r.Method), attribute.String("path", r.URL.Path))
	defer end()
	start := time.Now()

	code := h.serve(w, r)

	obsmetrics.HTTPResponses.WithLabelValues(strconv.Itoa(code)).Inc()
	h.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", code).
		Dur("took", time.Since(start)).
		Msg("served mock response")
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) int {
	route, ok := h.routes.Resolve(r.URL.Path)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return http.StatusNotFound
	}
	if !route.AllowsMethod(r.Method) {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed
	}

	if len(route.ValidationSchema) > 0 {
		details, err := h.validate(route, r)
		if err != nil {
			h.logger.Error().Err(err).Str("path", route.Path).Msg("validation schema unusable")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return http.StatusInternalServerError
		}
		if len(details) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "Invalid request body",
				"details": details,
			})
			return http.StatusBadRequest
		}
	}

	body, contentType, err := responseBody(route.Response)
	if err != nil {
		h.logger.Error().Err(err).Str("response", route.Response).Msg("reading response file")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	status := route.StatusCode
	if status == 0 {
		status = config.DefaultStatusCode
	}
	w.Header().Set("Content-Type", contentType)
	for k, v := range route.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
	return status
}

// SchemaError is one failed constraint in a request body.
type SchemaError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// validate returns the schema violations of the request body. An empty body
// is checked as {}.
func (h *Handler) validate(route config.RouteConfig, r *http.Request) ([]SchemaError, error) {
	schema, err := h.schema(route.ValidationSchema)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return []SchemaError{{Message: "failed to read request body"}}, nil
	}
	var doc any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return []SchemaError{{Message: "request body is not valid JSON"}}, nil
		}
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []SchemaError{{Message: err.Error()}}, nil
	}
	var out []SchemaError
	collect(ve, &out)
	return out, nil
}

func collect(ve *jsonschema.ValidationError, out *[]SchemaError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, SchemaError{Field: ve.InstanceLocation, Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

func (h *Handler) schema(doc map[string]any) (*jsonschema.Schema, error) {
	key, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if s, ok := h.schemas.Load(string(key)); ok {
		return s.(*jsonschema.Schema), nil
	}
	s, err := config.CompileSchema(doc)
	if err != nil {
		return nil, err
	}
	h.schemas.Store(string(key), s)
	return s, nil
}

// responseBody resolves a route's response: inline JSON, then a file path,
// then the default success document.
func responseBody(response string) ([]byte, string, error) {
	const jsonType = "application/json"
	if response == "" {
		return defaultBody, jsonType, nil
	}
	if json.Valid([]byte(response)) {
		return []byte(response), jsonType, nil
	}
	b, err := os.ReadFile(response)
	if err != nil {
		return nil, "", err
	}
	ct := mime.TypeByExtension(filepath.Ext(response))
	if ct == "" {
		ct = jsonType
	}
	return b, ct, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
