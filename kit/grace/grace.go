// Package grace runs a blocking service until it fails or the process is
// asked to stop, then gives it a bounded window to shut down.
package grace

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/vormadev/ferry/kit/colorlog"
)

func defaultSignals() []os.Signal {
	if runtime.GOOS == "windows" {
		return []os.Signal{os.Interrupt}
	}
	return []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
}

type Options struct {
	ShutdownTimeout time.Duration // Default: 10 seconds
	Signals         []os.Signal   // Default: SIGHUP, SIGINT, SIGTERM, SIGQUIT
	Logger          *slog.Logger

	// Start runs the service and blocks until it stops. Its context is
	// cancelled once a signal arrives.
	Start func(ctx context.Context) error

	// Stop releases the service. Its context expires after ShutdownTimeout.
	Stop func(ctx context.Context) error
}

// Run calls opts.Start and, when ctx is done, a signal arrives or Start
// returns, calls opts.Stop. Errors from both are joined.
func Run(ctx context.Context, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = colorlog.New("grace")
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if len(opts.Signals) == 0 {
		opts.Signals = defaultSignals()
	}

	ctx, stop := signal.NotifyContext(ctx, opts.Signals...)
	defer stop()

	startDone := make(chan error, 1)
	go func() {
		if opts.Start == nil {
			<-ctx.Done()
			startDone <- nil
			return
		}
		startDone <- opts.Start(ctx)
	}()

	var startErr error
	returned := false
	select {
	case startErr = <-startDone:
		returned = true
		if startErr != nil {
			opts.Logger.Error("[startup] Error", "error", startErr)
		}
	case <-ctx.Done():
		opts.Logger.Info("[shutdown] Initiating graceful shutdown")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()

	var stopErr error
	if opts.Stop != nil {
		if stopErr = opts.Stop(shutdownCtx); stopErr != nil {
			opts.Logger.Error("[shutdown] Cleanup error", "error", stopErr)
		}
	}

	if !returned {
		select {
		case startErr = <-startDone:
		case <-shutdownCtx.Done():
			opts.Logger.Warn("[shutdown] Graceful shutdown timed out")
			startErr = shutdownCtx.Err()
		}
	}

	return errors.Join(startErr, stopErr)
}

// Interrupt asks a child process to exit. On Windows, where there is no
// SIGTERM, the process is killed.
func Interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(syscall.SIGTERM)
}
