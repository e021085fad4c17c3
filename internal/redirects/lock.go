package redirects

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const lockFileName = ".ferry-redirects.lock"

// ErrLockHeld is returned when another process is writing the same routing
// document.
var ErrLockHeld = errors.New("another ferry process is writing this routing document")

// writers serializes writers within this process, keyed by absolute path.
var writers sync.Map

// Lock guards one routing document. It combines an in-process mutex (several
// named functions in one build share the document) with a PID file next to
// the document for separate processes.
type Lock struct {
	path string
	mu   *sync.Mutex
}

func NewLock(documentPath string) *Lock {
	abs, err := filepath.Abs(documentPath)
	if err != nil {
		abs = filepath.Clean(documentPath)
	}
	mu, _ := writers.LoadOrStore(abs, &sync.Mutex{})
	return &Lock{
		path: filepath.Join(filepath.Dir(abs), lockFileName),
		mu:   mu.(*sync.Mutex),
	}
}

// Acquire blocks other writers in this process and claims the PID file.
// Returns ErrLockHeld (wrapped with PID info) if a live process owns it.
// Stale locks from crashed processes are taken over.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	if err := l.claim(); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *Lock) claim() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("write lock file: %w", werr)
			}
			if cerr != nil {
				return fmt.Errorf("write lock file: %w", cerr)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}

		data, err := os.ReadFile(l.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read lock file: %w", err)
		}
		pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
		// our own PID can only be left over from an earlier failed release,
		// since the in-process mutex is held
		if parseErr == nil && pid > 0 && pid != os.Getpid() && isProcessRunning(pid) {
			return fmt.Errorf("%w (PID %d)", ErrLockHeld, pid)
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale lock file: %w", err)
		}
	}
	return fmt.Errorf("%w (lock file %s keeps reappearing)", ErrLockHeld, l.path)
}

// Release removes the PID file and lets the next writer in.
func (l *Lock) Release() error {
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
