// Package ferry bundles a static site build into a self-contained serverless
// function: the resolved config, global data, template sources and their
// external dependencies, plus the URL map and routing rules that send dynamic
// URLs to the function.
package ferry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vormadev/ferry/internal/bundler"
	"github.com/vormadev/ferry/internal/config"
	"github.com/vormadev/ferry/internal/deps"
	"github.com/vormadev/ferry/internal/redirects"
	"github.com/vormadev/ferry/internal/urlmap"
	"github.com/vormadev/ferry/kit/colorlog"
)

// Re-exported types
type (
	Config      = config.Options
	CopyOptions = config.CopyOptions
	CopyTarget  = config.CopyTarget
	Entry       = urlmap.Entry
	URLs        = urlmap.URLs
	OutputMap   = urlmap.OutputMap
	Policy      = redirects.Policy
	PolicyFunc  = redirects.PolicyFunc
	Loader      = bundler.Loader
)

// Re-exported errors
var (
	ErrConfiguration = config.ErrConfiguration
	ErrRouteConflict = urlmap.ErrRouteConflict
	ErrIO            = bundler.ErrIO
	ErrNotFound      = deps.ErrNotFound
	ErrLockHeld      = redirects.ErrLockHeld
)

type Options struct {
	Config

	// Optional -- replaces the policy named by Config.Redirects.
	Policy Policy

	// Optional -- loads the packaged function for the dev server. Defaults
	// to running the entry module with Node.js.
	Loader Loader
}

// Directories are the site's source directories, relative to the project root.
type Directories struct {
	Data     string `json:"data"`
	Includes string `json:"includes"`
	Layouts  string `json:"layouts,omitempty"`
}

// Lifecycle receives the signals of one site build, in order: BuildStart,
// ConfigResolved, GlobalDataFilesResolved, DirectoriesResolved,
// TemplateMapResolved and BuildEnd. A failed signal fails the build.
type Lifecycle interface {
	BuildStart(ctx context.Context) error
	ConfigResolved(ctx context.Context, path string) error
	GlobalDataFilesResolved(ctx context.Context, paths []string) error
	DirectoriesResolved(ctx context.Context, dirs Directories) error
	TemplateMapResolved(ctx context.Context, entries []Entry) error
	BuildEnd(ctx context.Context) error
}

// Plugin bundles one named function. It only writes files during CLI-driven
// builds; otherwise every signal is a no-op.
type Plugin struct {
	opts    Config
	active  bool
	log     *slog.Logger
	bundle  *bundler.Helper
	lister  *deps.Lister
	policy  Policy
	adapter *bundler.Adapter
}

var _ Lifecycle = (*Plugin)(nil)

func New(opts Options, log *slog.Logger) (*Plugin, error) {
	if log == nil {
		log = colorlog.New("ferry")
	}
	cfg := opts.Config
	if err := config.Normalize(&cfg); err != nil {
		return nil, err
	}

	p := &Plugin{
		opts:   cfg,
		active: config.IsCLIBuild(),
		log:    log,
		bundle: bundler.New(&cfg, log),
		lister: deps.NewLister(cfg.AllowMissing(), log),
	}

	p.policy = opts.Policy
	if p.policy == nil {
		p.policy = defaultPolicy(&cfg, log)
	}

	loader := opts.Loader
	if loader == nil {
		loader = &bundler.NodeLoader{Log: log}
	}
	p.adapter = p.bundle.DevAdapter(loader)

	return p, nil
}

func defaultPolicy(cfg *Config, log *slog.Logger) Policy {
	switch cfg.Redirects {
	case config.RedirectsNone:
		return redirects.NopPolicy{}
	case config.RedirectsNetlifyBuilders:
		return redirects.NewNetlifyTOML(cfg.RedirectsFile, cfg.Name, redirects.TargetBuilders, log)
	default:
		return redirects.NewNetlifyTOML(cfg.RedirectsFile, cfg.Name, redirects.TargetFunctions, log)
	}
}

func (p *Plugin) Name() string      { return p.opts.Name }
func (p *Plugin) OutputDir() string { return p.bundle.OutputDir() }
func (p *Plugin) Active() bool      { return p.active }

// CopyCount is the number of files written during the current build.
func (p *Plugin) CopyCount() int { return p.bundle.CopyCount() }

func (p *Plugin) BuildStart(ctx context.Context) error {
	if !p.active {
		return nil
	}
	p.bundle.Reset()
	return p.bundle.WriteDependencyEntryFile()
}

func (p *Plugin) ConfigResolved(ctx context.Context, path string) error {
	if !p.active {
		return nil
	}
	if err := p.bundle.CopyFile(path, config.FileConfig); err != nil {
		return err
	}
	return p.writeMarker(ctx, config.FileConfigModules, []string{path})
}

func (p *Plugin) GlobalDataFilesResolved(ctx context.Context, paths []string) error {
	if !p.active {
		return nil
	}
	return p.writeMarker(ctx, config.FileGlobalDataModules, paths)
}

func (p *Plugin) writeMarker(ctx context.Context, filename string, files []string) error {
	modules, err := p.lister.List(ctx, files)
	if err != nil {
		return fmt.Errorf("list dependencies for %s: %w", filename, err)
	}
	modules = deps.Exclude(modules, p.opts.ExcludeDependencies)
	return p.bundle.WriteDependencyMarker(filename, modules)
}

func (p *Plugin) DirectoriesResolved(ctx context.Context, dirs Directories) error {
	if !p.active {
		return nil
	}
	trees := []string{dirs.Data, dirs.Includes}
	if dirs.Layouts != "" {
		trees = append(trees, dirs.Layouts)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, dir := range outermost(trees) {
		g.Go(func() error {
			return p.bundle.RecursiveCopy(gCtx, dir, "", nil)
		})
	}
	return g.Wait()
}

// outermost drops paths equal to or nested under another path in the list,
// so concurrent copies never write the same destination file.
func outermost(paths []string) []string {
	cleaned := make([]string, len(paths))
	for i, p := range paths {
		cleaned[i] = filepath.Clean(p)
	}
	out := make([]string, 0, len(paths))
	for i, p := range cleaned {
		covered := false
		for j, q := range cleaned {
			if i == j {
				continue
			}
			if p == q && j < i || p != q && isWithin(q, p) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, paths[i])
		}
	}
	return out
}

func isWithin(parent, p string) bool {
	rel, err := filepath.Rel(parent, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (p *Plugin) TemplateMapResolved(ctx context.Context, entries []Entry) error {
	if !p.active {
		return nil
	}
	m, err := urlmap.Reconcile(entries, p.opts.Name)
	if err != nil {
		return err
	}
	if err := p.bundle.WriteOutputMap(m); err != nil {
		return err
	}
	if err := p.policy.Generate(ctx, m); err != nil {
		return fmt.Errorf("generate redirects: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, input := range outermost(m.InputPaths()) {
		g.Go(func() error {
			return p.bundle.RecursiveCopy(gCtx, input, "", nil)
		})
	}
	return g.Wait()
}

func (p *Plugin) BuildEnd(ctx context.Context) error {
	if !p.active {
		return nil
	}
	g, gCtx := errgroup.WithContext(ctx)
	for _, target := range p.opts.Copy {
		g.Go(func() error {
			return p.bundle.RecursiveCopy(gCtx, target.From, target.Dest(), target.Options)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	dir := p.bundle.OutputDir()
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	p.log.Info(fmt.Sprintf("Serverless (%s): %d files bundled to %s", p.opts.Name, p.bundle.CopyCount(), dir))
	return nil
}

// DevMiddleware routes dev server requests through the packaged function,
// falling through to next when the function answers 404. Outside CLI-driven
// builds it returns next unchanged.
func (p *Plugin) DevMiddleware(next http.Handler) http.Handler {
	if !p.active {
		return next
	}
	return p.adapter.Middleware(next)
}

// Invalidate drops the dev server's loaded function after a rebuild.
func (p *Plugin) Invalidate() { p.adapter.Invalidate() }
