// Package bundler assembles the output directory of one named serverless
// function: copies, dependency markers and the persisted URL map.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/vormadev/ferry/internal/config"
	"github.com/vormadev/ferry/internal/urlmap"
	"github.com/vormadev/ferry/kit/colorlog"
	"github.com/vormadev/ferry/kit/fsutil"
)

var ErrIO = errors.New("bundle i/o failure")

// IOError wraps a filesystem failure while writing the bundle. It matches
// both ErrIO and the underlying cause with errors.Is.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrIO, e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

// vcsExclude keeps version control internals out of every recursive copy.
var vcsExclude = []string{
	"**/.git", "**/.git/**",
	"**/.svn", "**/.svn/**",
	"**/.hg", "**/.hg/**",
}

// Helper owns the output directory of one named function for one build.
type Helper struct {
	name        string
	outputDir   string
	copyOptions *config.CopyOptions
	log         *slog.Logger
	count       atomic.Int64
}

func New(opts *config.Options, log *slog.Logger) *Helper {
	if log == nil {
		log = colorlog.New("ferry")
	}
	return &Helper{
		name:        opts.Name,
		outputDir:   opts.OutputDir(),
		copyOptions: opts.CopyOptions,
		log:         log,
	}
}

func (h *Helper) Name() string      { return h.name }
func (h *Helper) OutputDir() string { return h.outputDir }

// Reset zeroes the copy counter. Call once at the start of every build.
func (h *Helper) Reset() { h.count.Store(0) }

// CopyCount is the number of files written since the last Reset.
func (h *Helper) CopyCount() int { return int(h.count.Load()) }

// OutputPath maps a slash- or OS-separated relative path into the bundle.
func (h *Helper) OutputPath(rel string) string {
	rel = filepath.FromSlash(strings.ReplaceAll(rel, `\`, "/"))
	return filepath.Join(h.outputDir, rel)
}

// CopyFile copies a single file into the bundle, overwriting.
func (h *Helper) CopyFile(src, destRel string) error {
	dest := h.OutputPath(destRel)
	if err := fsutil.CopyFile(src, dest); err != nil {
		return &IOError{Op: "copy", Path: src, Err: err}
	}
	h.count.Add(1)
	return nil
}

// RecursiveCopy copies a file or directory tree into the bundle at destRel
// (src when empty). opts override the function's CopyOptions. Each file
// written counts once. The first failure aborts the copy; files already
// written stay in place.
func (h *Helper) RecursiveCopy(ctx context.Context, src, destRel string, opts *config.CopyOptions) error {
	if destRel == "" {
		destRel = src
	}
	dest := h.OutputPath(destRel)

	merged := h.copyOptions.Merge(opts)
	tree := fsutil.TreeOptions{
		Overwrite: merged.OverwriteOrDefault(),
		Dot:       merged.DotOrDefault(),
		Junk:      merged.Junk,
		Filter:    merged.Filter,
		Exclude:   append(append([]string(nil), vcsExclude...), merged.Exclude...),
		OnFile:    func(string, string) { h.count.Add(1) },
	}

	if _, err := fsutil.CopyTree(ctx, src, dest, tree); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return &IOError{Op: "copy", Path: src, Err: err}
	}
	return nil
}

// MarkerContents renders one require statement per module.
func MarkerContents(modules []string) []byte {
	var b strings.Builder
	for _, m := range modules {
		fmt.Fprintf(&b, "require(%q);\n", m)
	}
	return []byte(b.String())
}

// WriteDependencyMarker writes a file requiring every module in modules.
// The file is written even when modules is empty.
func (h *Helper) WriteDependencyMarker(filename string, modules []string) error {
	return h.writeFile(filename, MarkerContents(modules))
}

// WriteDependencyEntryFile writes the marker that requires the config and
// global data markers, so a bundler that only follows static requires still
// discovers every external package.
func (h *Helper) WriteDependencyEntryFile() error {
	return h.writeFile(config.FileBundlerModules, MarkerContents([]string{
		"./" + config.FileConfigModules,
		"./" + config.FileGlobalDataModules,
	}))
}

// WriteOutputMap persists the function's URL map inside the bundle.
func (h *Helper) WriteOutputMap(m urlmap.OutputMap) error {
	dest := h.OutputPath(config.FileServerlessMap)
	if err := urlmap.Write(dest, m); err != nil {
		return &IOError{Op: "write", Path: dest, Err: err}
	}
	h.count.Add(1)
	return nil
}

func (h *Helper) writeFile(rel string, data []byte) error {
	dest := h.OutputPath(rel)
	if err := fsutil.WriteFile(dest, data); err != nil {
		return &IOError{Op: "write", Path: dest, Err: err}
	}
	h.count.Add(1)
	return nil
}
