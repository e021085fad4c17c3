// Package devserver serves a built site locally, routing requests through the
// packaged serverless function before falling back to static files.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vormadev/ferry/kit/colorlog"
	"github.com/vormadev/ferry/kit/grace"
)

// Bundle is the packaged function the server routes through.
type Bundle interface {
	DevMiddleware(next http.Handler) http.Handler
	Invalidate()
}

type Options struct {
	// Addr defaults to ":8080".
	Addr    string
	SiteDir string
	Bundle  Bundle

	// Watch lists files or doublestar patterns whose changes trigger
	// Rebuild. Nothing is watched when empty or when Rebuild is nil.
	Watch   []string
	Ignore  []string
	Rebuild func(ctx context.Context) error

	Log *slog.Logger
}

type Server struct {
	opts Options
	log  *slog.Logger

	// serializes rebuilds with each other
	rebuildMu sync.Mutex
}

func New(opts Options) (*Server, error) {
	if opts.SiteDir == "" {
		return nil, errors.New("devserver: site directory is required")
	}
	if opts.Bundle == nil {
		return nil, errors.New("devserver: bundle is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	log := opts.Log
	if log == nil {
		log = colorlog.New("ferry")
	}
	return &Server{opts: opts, log: log}, nil
}

// Handler serves the function's answers, then files from the site directory.
func (s *Server) Handler() http.Handler {
	static := http.FileServer(http.Dir(filepath.Clean(s.opts.SiteDir)))
	return s.opts.Bundle.DevMiddleware(static)
}

// Rebuild re-runs the bundle build and marks the loaded function stale. A
// failed rebuild still invalidates, so requests surface the broken bundle.
func (s *Server) Rebuild(ctx context.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	start := time.Now()
	var err error
	if s.opts.Rebuild != nil {
		err = s.opts.Rebuild(ctx)
	}
	s.opts.Bundle.Invalidate()
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	s.log.Info("Rebuilt serverless bundle", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Run serves until ctx is done or the process receives a shutdown signal.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("devserver: listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var watcher *Watcher
	if len(s.opts.Watch) > 0 && s.opts.Rebuild != nil {
		w, err := NewWatcher(s.opts.Watch, s.opts.Ignore, s.log)
		if err != nil {
			ln.Close()
			return fmt.Errorf("devserver: watch: %w", err)
		}
		watcher = w
	}

	return grace.Run(ctx, grace.Options{
		Logger: s.log,
		Start: func(ctx context.Context) error {
			if watcher != nil {
				go watcher.Run(ctx, func(events []fsnotify.Event) {
					s.log.Info("Change detected", "file", events[len(events)-1].Name)
					if err := s.Rebuild(ctx); err != nil {
						s.log.Error("rebuild failed", "error", err)
					}
				})
			}
			s.log.Info(fmt.Sprintf("Serving %s on http://%s", s.opts.SiteDir, displayAddr(ln.Addr())))
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		Stop: func(ctx context.Context) error {
			var errs []error
			if watcher != nil {
				errs = append(errs, watcher.Close())
			}
			errs = append(errs, srv.Shutdown(ctx))
			return errors.Join(errs...)
		},
	})
}

func displayAddr(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok && (tcp.IP == nil || tcp.IP.IsUnspecified()) {
		return fmt.Sprintf("localhost:%d", tcp.Port)
	}
	return a.String()
}
