package bundler

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vormadev/ferry/internal/config"
)

// Event is the synthetic invocation request handed to a packaged function.
type Event struct {
	HTTPMethod            string            `json:"httpMethod"`
	Path                  string            `json:"path"`
	QueryStringParameters map[string]string `json:"queryStringParameters"`
}

// Result is what a packaged function returns.
type Result struct {
	StatusCode        int                 `json:"statusCode"`
	Headers           map[string]string   `json:"headers,omitempty"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders,omitempty"`
	Body              string              `json:"body"`
	IsBase64Encoded   bool                `json:"isBase64Encoded,omitempty"`
}

// Handler invokes a loaded function.
type Handler interface {
	Invoke(ctx context.Context, ev *Event) (*Result, error)
}

// Loader loads the packaged function whose entry module is at entry.
type Loader interface {
	Load(ctx context.Context, entry string) (Handler, error)
}

type LoaderFunc func(ctx context.Context, entry string) (Handler, error)

func (f LoaderFunc) Load(ctx context.Context, entry string) (Handler, error) {
	return f(ctx, entry)
}

type HandlerFunc func(ctx context.Context, ev *Event) (*Result, error)

func (f HandlerFunc) Invoke(ctx context.Context, ev *Event) (*Result, error) {
	return f(ctx, ev)
}

// FreshLoader is implemented by loaders whose handlers read the entry module
// from disk on every invocation. The adapter keeps their handler until
// Invalidate instead of reloading per request.
type FreshLoader interface {
	Loader
	InvokesFresh() bool
}

func invokesFresh(l Loader) bool {
	f, ok := l.(FreshLoader)
	return ok && f.InvokesFresh()
}

// Reloadable holds the currently loaded handler. Loads are serialized, so at
// most one reload is in flight and readers never observe a half-loaded
// handler.
type Reloadable struct {
	mu      sync.Mutex
	loader  Loader
	entry   string
	current Handler
	stale   bool
}

func NewReloadable(loader Loader, entry string) *Reloadable {
	return &Reloadable{loader: loader, entry: entry}
}

func (r *Reloadable) Entry() string { return r.entry }

// Invalidate marks the cached handler stale; the next Get reloads it.
func (r *Reloadable) Invalidate() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

// Get returns the cached handler, loading it if absent or stale.
func (r *Reloadable) Get(ctx context.Context) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && !r.stale {
		return r.current, nil
	}
	return r.loadLocked(ctx)
}

// Reload discards the cached handler and loads it again from disk.
func (r *Reloadable) Reload(ctx context.Context) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	return r.loadLocked(ctx)
}

func (r *Reloadable) loadLocked(ctx context.Context) (Handler, error) {
	h, err := r.loader.Load(ctx, r.entry)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", r.entry, err)
	}
	r.current = h
	r.stale = false
	return h, nil
}

// Adapter routes dev server requests through the packaged function.
type Adapter struct {
	name   string
	handle *Reloadable
	cached bool
	log    *slog.Logger
}

// DevAdapter returns an adapter invoking this bundle's entry module.
func (h *Helper) DevAdapter(loader Loader) *Adapter {
	return &Adapter{
		name:   h.name,
		handle: NewReloadable(loader, h.OutputPath(config.FileEntry)),
		cached: invokesFresh(loader),
		log:    h.log,
	}
}

func (a *Adapter) Handle() *Reloadable { return a.handle }

// Invalidate drops the loaded handler; the next request loads it again.
func (a *Adapter) Invalidate() { a.handle.Invalidate() }

func (a *Adapter) load(ctx context.Context) (Handler, error) {
	if a.cached {
		return a.handle.Get(ctx)
	}
	return a.handle.Reload(ctx)
}

// Serve invokes the function for r. It reports handled=false when the
// function answered 404, leaving w untouched so the caller can fall through
// to static files. Load and invocation failures are returned, not written.
func (a *Adapter) Serve(w http.ResponseWriter, r *http.Request) (handled bool, err error) {
	start := time.Now()

	fn, err := a.load(r.Context())
	if err != nil {
		return false, err
	}

	query := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[len(v)-1]
		}
	}

	res, err := fn.Invoke(r.Context(), &Event{
		HTTPMethod:            http.MethodGet,
		Path:                  r.URL.Path,
		QueryStringParameters: query,
	})
	if err != nil {
		return false, fmt.Errorf("serverless (%s) %s: %w", a.name, r.URL.Path, err)
	}
	if res == nil {
		return false, fmt.Errorf("serverless (%s) %s: handler returned no result", a.name, r.URL.Path)
	}
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}

	body := []byte(res.Body)
	if res.IsBase64Encoded {
		body, err = base64.StdEncoding.DecodeString(res.Body)
		if err != nil {
			return false, fmt.Errorf("serverless (%s) %s: decode body: %w", a.name, r.URL.Path, err)
		}
	}

	header := w.Header()
	for k, v := range res.Headers {
		header.Set(k, v)
	}
	for k, vs := range res.MultiValueHeaders {
		header.Del(k)
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		a.log.Warn("failed to write serverless response", "url", r.URL.String(), "error", err)
	}

	a.log.Info(fmt.Sprintf("Serverless (%s): %s (%s)", a.name, r.URL.RequestURI(), time.Since(start).Round(time.Millisecond)))
	return true, nil
}

// Middleware serves requests the function claims and passes the rest to next.
// Failures are logged and answered with a 500.
func (a *Adapter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled, err := a.Serve(w, r)
		if err != nil {
			a.log.Error("serverless request failed", "url", r.URL.String(), "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !handled {
			next.ServeHTTP(w, r)
		}
	})
}
