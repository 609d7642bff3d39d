// Package rest bridges HTTP traffic onto the dispatch pipeline. Each
// registered service gets a feathers-style route table:
//
//	GET    /<path>       find        POST   /<path>       create
//	GET    /<path>/<id>  get         PUT    /<path>/<id>  update
//	PATCH  /<path>/<id>  patch       DELETE /<path>/<id>  remove
//
// Collection-level PUT, PATCH, and DELETE dispatch with an empty id, which
// adapters interpret as bulk operations (update rejects them). Path
// segments spelled ":name" become route parameters; their captured values
// arrive in params under the route key and merged into the query.
//
// Routes are built from the registry when the application starts listening;
// register services before Listen.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/plume"
)

// idParam names the trailing id placeholder. The unusual spelling keeps it
// clear of user-defined route parameters.
const idParam = "plumeID"

// Bridge serves the REST mapping for every registered service.
type Bridge struct {
	app      *plume.Application
	cfg      *Config
	routerMW []func(http.Handler) http.Handler
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(b *Bridge) { *b.cfg = cfg }
}

// WithRouterMiddleware installs chi-level middleware (compression, request
// logging, ...) ahead of the bridge's own handlers.
func WithRouterMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(b *Bridge) { b.routerMW = append(b.routerMW, mw...) }
}

// New builds a REST bridge with default configuration.
func New(opts ...Option) *Bridge {
	cfg := &Config{}
	if err := plume.ApplyDefaults(cfg); err != nil {
		panic(fmt.Sprintf("rest: invalid config defaults: %v", err))
	}
	b := &Bridge{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configure wires the bridge to the application and registers its config
// section.
func (b *Bridge) Configure(app *plume.Application) error {
	b.app = app
	return app.RegisterConfigSection(SectionName, plume.NewStdConfigProvider(b.cfg))
}

// Name identifies the bridge.
func (b *Bridge) Name() string { return "rest" }

// Start logs readiness; route construction happens in Attach.
func (b *Bridge) Start(context.Context) error {
	b.app.Logger().Info("REST bridge started", "basePath", b.basePath(), "services", len(b.app.ServicePaths()))
	return nil
}

// Stop is a no-op; the application owns the HTTP server.
func (b *Bridge) Stop(context.Context) error { return nil }

// Attach mounts the service route tables on the application router.
func (b *Bridge) Attach(router chi.Router) {
	router.Route(b.basePath(), func(r chi.Router) {
		for _, mw := range b.routerMW {
			r.Use(mw)
		}
		if len(b.cfg.AllowedOrigins) > 0 {
			r.Use(b.corsMiddleware)
		}
		r.NotFound(func(w http.ResponseWriter, req *http.Request) {
			b.writeError(w, plume.NewNotFound(fmt.Sprintf("no service registered for %q", req.URL.Path)))
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
			b.writeError(w, plume.NewMethodNotAllowed(fmt.Sprintf("%s not mapped for %q", req.Method, req.URL.Path)))
		})

		b.app.Registry().Range(func(path string, _ *plume.WrappedService) bool {
			b.routeService(r, path)
			return true
		})
	})
}

func (b *Bridge) basePath() string {
	base := strings.Trim(b.cfg.BasePath, "/")
	if base == "" {
		return "/"
	}
	return "/" + base
}

// routeService installs the method table for one registered path.
func (b *Bridge) routeService(r chi.Router, path string) {
	install := func(sr chi.Router) {
		sr.Get("/", b.handler(path, plume.MethodFind, false))
		sr.Post("/", b.handler(path, plume.MethodCreate, false))
		sr.Put("/", b.handler(path, plume.MethodUpdate, false))
		sr.Patch("/", b.handler(path, plume.MethodPatch, false))
		sr.Delete("/", b.handler(path, plume.MethodRemove, false))

		id := "/{" + idParam + "}"
		sr.Get(id, b.handler(path, plume.MethodGet, true))
		sr.Put(id, b.handler(path, plume.MethodUpdate, true))
		sr.Patch(id, b.handler(path, plume.MethodPatch, true))
		sr.Delete(id, b.handler(path, plume.MethodRemove, true))
	}

	if pattern := toChiPattern(path); pattern == "/" {
		install(r)
	} else {
		r.Route(pattern, install)
	}
}

// toChiPattern converts a registered service path to a chi route pattern,
// mapping ":name" segments to "{name}".
func toChiPattern(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			segments[i] = "{" + seg[1:] + "}"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func (b *Bridge) handler(path string, method plume.Method, withID bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if b.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.cfg.RequestTimeout)
			defer cancel()
		}

		req := plume.NewRequest(method, path)
		if withID {
			req.ID = chi.URLParam(r, idParam)
		}

		if method == plume.MethodCreate || method == plume.MethodUpdate || method == plume.MethodPatch {
			data, err := b.readBody(w, r)
			if err != nil {
				b.writeError(w, err)
				return
			}
			req.Data = data
		}

		query := flattenQuery(r.URL.Query())
		route := routeParams(r)
		for k, v := range route {
			query[k] = v
		}
		req.Params[plume.ParamQuery] = query
		if len(route) > 0 {
			req.Params[plume.ParamRoute] = route
		}
		req.Params[plume.ParamProvider] = "rest"
		req.Params[plume.ParamHeaders] = flattenHeaders(r.Header)

		result, err := b.app.Dispatch(ctx, req)
		if err != nil {
			b.writeError(w, err)
			return
		}

		status := http.StatusOK
		if method == plume.MethodCreate {
			status = http.StatusCreated
		}
		b.writeJSON(w, status, result)
	}
}

// readBody decodes a JSON request body, returning nil data for an empty
// body.
func (b *Bridge) readBody(w http.ResponseWriter, r *http.Request) (any, error) {
	body := r.Body
	if b.cfg.BodyLimit > 0 {
		body = http.MaxBytesReader(w, body, b.cfg.BodyLimit)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &plume.Error{
				Code:    http.StatusRequestEntityTooLarge,
				Name:    "PayloadTooLarge",
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return nil, plume.NewBadRequest(fmt.Sprintf("reading request body: %v", err))
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, plume.NewBadRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return data, nil
}

// flattenQuery reduces the URL query to the conventional bag shape: a
// single value stays a string, a repeated key becomes a []string.
func flattenQuery(values map[string][]string) map[string]any {
	query := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			query[key] = vals[0]
		} else {
			query[key] = append([]string(nil), vals...)
		}
	}
	return query
}

// routeParams captures the request's route placeholders, excluding the id
// slot.
func routeParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	params := make(map[string]string)
	for i, key := range rctx.URLParams.Keys {
		if key == idParam || key == "*" {
			continue
		}
		params[key] = rctx.URLParams.Values[i]
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func flattenHeaders(header http.Header) map[string]string {
	snapshot := make(map[string]string, len(header))
	for key := range header {
		snapshot[key] = header.Get(key)
	}
	return snapshot
}

func (b *Bridge) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && b.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Bridge) originAllowed(origin string) bool {
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (b *Bridge) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		b.app.Logger().Error("Failed to encode response", "error", err)
	}
}

func (b *Bridge) writeError(w http.ResponseWriter, err error) {
	werr := plume.Convert(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(werr.Code)
	if encodeErr := json.NewEncoder(w).Encode(werr); encodeErr != nil && b.app != nil {
		b.app.Logger().Error("Failed to encode error response", "error", encodeErr)
	}
}
