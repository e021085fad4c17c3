// Package deps lists the external packages a set of JavaScript or TypeScript
// files depend on, following relative imports transitively.
//
// Sources are first run through esbuild's Transform (so TypeScript and JSX
// become plain JavaScript and type-only imports disappear) and then walked
// with tdewolff's JS parser looking for static imports, re-exports,
// require() calls and import() calls with string literal arguments.
package deps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
	"github.com/vormadev/ferry/kit/colorlog"
)

var ErrNotFound = errors.New("dependency not found")

// NotFoundError reports a relative import that does not resolve on disk.
type NotFoundError struct {
	Importer  string
	Specifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: cannot resolve %q imported from %s", ErrNotFound, e.Specifier, e.Importer)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Lister walks import graphs. It is safe to reuse but not for concurrent use.
type Lister struct {
	// AllowMissing skips unresolvable relative imports (logging a warning)
	// instead of failing with a *NotFoundError.
	AllowMissing bool
	Log          *slog.Logger
}

func NewLister(allowMissing bool, log *slog.Logger) *Lister {
	if log == nil {
		log = colorlog.New("ferry")
	}
	return &Lister{AllowMissing: allowMissing, Log: log}
}

// List returns the sorted, de-duplicated package names reachable from files.
func (l *Lister) List(ctx context.Context, files []string) ([]string, error) {
	w := &walk{lister: l, visited: map[string]bool{}, packages: map[string]bool{}}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(abs); err != nil {
			if err := l.missing(f, "(entry)", err); err != nil {
				return nil, err
			}
			continue
		}
		if err := w.visit(ctx, abs); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(w.packages))
	for name := range w.packages {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (l *Lister) missing(specifier, importer string, cause error) error {
	if !l.AllowMissing {
		return &NotFoundError{Importer: importer, Specifier: specifier}
	}
	l.Log.Warn("skipping unresolved import", "import", specifier, "from", importer, "error", cause)
	return nil
}

// Exclude returns names without any entry of excluded, preserving order.
func Exclude(names, excluded []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(excluded, n) {
			out = append(out, n)
		}
	}
	return out
}

type walk struct {
	lister   *Lister
	visited  map[string]bool
	packages map[string]bool
}

func (w *walk) visit(ctx context.Context, file string) error {
	if w.visited[file] {
		return nil
	}
	w.visited[file] = true

	if err := ctx.Err(); err != nil {
		return err
	}

	loader, ok := loaderFor(file)
	if !ok {
		return nil
	}

	src, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	specifiers, err := scan(string(src), file, loader)
	if err != nil {
		return err
	}

	for _, spec := range specifiers {
		switch {
		case isRelative(spec):
			resolved, ok := resolve(filepath.Dir(file), spec)
			if !ok {
				if err := w.lister.missing(spec, file, os.ErrNotExist); err != nil {
					return err
				}
				continue
			}
			if err := w.visit(ctx, resolved); err != nil {
				return err
			}
		default:
			if name, ok := PackageName(spec); ok {
				w.packages[name] = true
			}
		}
	}
	return nil
}

// scan returns every static module specifier in src, in source order.
func scan(src, file string, loader esbuild.Loader) ([]string, error) {
	result := esbuild.Transform(src, esbuild.TransformOptions{
		Loader:     loader,
		Target:     esbuild.ESNext,
		Platform:   esbuild.PlatformNode,
		Sourcefile: file,
		LogLevel:   esbuild.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			msgs = append(msgs, m.Text)
		}
		return nil, fmt.Errorf("esbuild transform %s: %s", file, strings.Join(msgs, "; "))
	}

	ast, err := js.Parse(parse.NewInputBytes(result.Code), js.Options{})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}

	v := &importVisitor{}
	js.Walk(v, ast)
	return v.specifiers, nil
}

type importVisitor struct {
	specifiers []string
}

func (v *importVisitor) Enter(n js.INode) js.IVisitor {
	switch node := n.(type) {
	case *js.ImportStmt:
		v.add(node.Module)
	case *js.ExportStmt:
		v.add(node.Module)
	case *js.CallExpr:
		switch callee := node.X.(type) {
		case *js.Var:
			if string(callee.Data) != "require" {
				return v
			}
		case *js.LiteralExpr:
			// import("x") parses as a call on the import keyword
			if callee.TokenType != js.ImportToken {
				return v
			}
		default:
			return v
		}
		if len(node.Args.List) == 0 {
			return v
		}
		if lit, ok := node.Args.List[0].Value.(*js.LiteralExpr); ok && lit.TokenType == js.StringToken {
			v.add(lit.Data)
		}
	}
	return v
}

func (v *importVisitor) Exit(js.INode) {}

func (v *importVisitor) add(quoted []byte) {
	if len(quoted) == 0 {
		return
	}
	s := string(quoted)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	} else {
		s = strings.Trim(s, `"'`+"`")
	}
	if s != "" {
		v.specifiers = append(v.specifiers, s)
	}
}

var loaders = map[string]esbuild.Loader{
	".js":  esbuild.LoaderJS,
	".cjs": esbuild.LoaderJS,
	".mjs": esbuild.LoaderJS,
	".jsx": esbuild.LoaderJSX,
	".ts":  esbuild.LoaderTS,
	".cts": esbuild.LoaderTS,
	".mts": esbuild.LoaderTS,
	".tsx": esbuild.LoaderTSX,
}

func loaderFor(file string) (esbuild.Loader, bool) {
	l, ok := loaders[strings.ToLower(filepath.Ext(file))]
	return l, ok
}

var resolveExts = []string{".js", ".cjs", ".mjs", ".ts", ".cts", ".mts", ".jsx", ".tsx", ".json"}

func isRelative(spec string) bool {
	return spec == "." || spec == ".." ||
		strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") ||
		strings.HasPrefix(spec, "/")
}

// resolve applies node-style file and directory index resolution.
func resolve(dir, spec string) (string, bool) {
	base := spec
	if !filepath.IsAbs(filepath.FromSlash(spec)) {
		base = filepath.Join(dir, filepath.FromSlash(spec))
	}

	if isFile(base) {
		return base, true
	}
	for _, ext := range resolveExts {
		if isFile(base + ext) {
			return base + ext, true
		}
	}
	for _, ext := range resolveExts {
		index := filepath.Join(base, "index"+ext)
		if isFile(index) {
			return index, true
		}
	}
	return "", false
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// PackageName reduces an import specifier to its package name
// ("lodash/fp" -> "lodash", "@11ty/eleventy/src/x" -> "@11ty/eleventy").
// Node built-ins, URLs and malformed specifiers report false.
func PackageName(spec string) (string, bool) {
	if spec == "" || strings.Contains(spec, ":") {
		return "", false
	}
	parts := strings.Split(spec, "/")
	name := parts[0]
	if strings.HasPrefix(name, "@") {
		if len(parts) < 2 || len(name) == 1 || parts[1] == "" {
			return "", false
		}
		name = parts[0] + "/" + parts[1]
	}
	if builtins[name] {
		return "", false
	}
	return name, true
}

var builtins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"sys": true, "timers": true, "tls": true, "trace_events": true, "tty": true,
	"url": true, "util": true, "v8": true, "vm": true, "wasi": true,
	"worker_threads": true, "zlib": true,
}
