// Package fsutil provides utility functions for working with the filesystem.
package fsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// EnsureDir creates a directory if it does not exist.
func EnsureDir(path string) error {
	err := os.MkdirAll(path, os.ModePerm)
	if err != nil {
		return fmt.Errorf("fsutil.EnsureDir: failed to create directory %s: %w", path, err)
	}
	return nil
}

// CopyFile copies a single file from src to dest, creating dest's parent
// directory when needed. An existing dest is truncated.
func CopyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("fsutil.CopyFile: %s is a directory", src)
	}
	if err := EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}

	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}

// WriteFile writes data to dest, creating the parent directory if needed.
func WriteFile(dest string, data []byte) error {
	if err := EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// junkNames are OS-generated files skipped unless TreeOptions.Junk is set.
var junkNames = map[string]bool{
	".DS_Store":       true,
	".AppleDouble":    true,
	".LSOverride":     true,
	".Spotlight-V100": true,
	".Trashes":        true,
	"Thumbs.db":       true,
	"ehthumbs.db":     true,
	"Desktop.ini":     true,
	"desktop.ini":     true,
	"npm-debug.log":   true,
}

// IsJunk reports whether name is an OS junk file.
func IsJunk(name string) bool {
	return junkNames[name] || strings.HasPrefix(name, "._") || strings.HasSuffix(name, "~")
}

type TreeOptions struct {
	// Overwrite replaces existing destination files. When false, existing
	// files are left alone and not reported to OnFile.
	Overwrite bool
	// Dot includes entries whose name starts with ".".
	Dot bool
	// Junk includes OS junk files (.DS_Store, Thumbs.db, ...).
	Junk bool
	// Filter, when non-empty, restricts copied files to those whose
	// slash-separated path relative to the source root matches one of
	// these doublestar patterns.
	Filter []string
	// Exclude skips files and directories whose relative path matches
	// one of these doublestar patterns.
	Exclude []string
	// OnFile is called once per file actually written.
	OnFile func(src, dest string)
}

// CopyTree copies src to dest. If src is a regular file it is copied to dest
// directly; otherwise the whole tree is walked. Copying stops at the first
// error and already-copied files are left in place. It returns the number of
// files written.
func CopyTree(ctx context.Context, src, dest string, opts TreeOptions) (int, error) {
	for _, p := range append(append([]string(nil), opts.Filter...), opts.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return 0, fmt.Errorf("fsutil.CopyTree: invalid pattern %q", p)
		}
	}

	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}

	count := 0
	copyOne := func(from, to, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !opts.included(rel) {
			return nil
		}
		if !opts.Overwrite {
			if _, err := os.Lstat(to); err == nil {
				return nil
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		if err := CopyFile(from, to); err != nil {
			return err
		}
		count++
		if opts.OnFile != nil {
			opts.OnFile(from, to)
		}
		return nil
	}

	if !info.IsDir() {
		return count, copyOne(src, dest, filepath.Base(src))
	}

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return EnsureDir(dest)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if opts.skipped(d.Name(), rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if opts.skipped(d.Name(), rel) {
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		return copyOne(p, filepath.Join(dest, filepath.FromSlash(rel)), rel)
	})
	return count, err
}

func (o TreeOptions) skipped(name, rel string) bool {
	if !o.Dot && strings.HasPrefix(name, ".") {
		return true
	}
	if !o.Junk && IsJunk(name) {
		return true
	}
	return matchAny(o.Exclude, rel)
}

func (o TreeOptions) included(rel string) bool {
	if len(o.Filter) == 0 {
		return true
	}
	return matchAny(o.Filter, rel)
}

func matchAny(patterns []string, rel string) bool {
	rel = path.Clean(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
