package ferry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vormadev/ferry/internal/bundler"
	"github.com/vormadev/ferry/internal/config"
	"github.com/vormadev/ferry/internal/redirects"
	"github.com/vormadev/ferry/internal/urlmap"
	"github.com/vormadev/ferry/kit/colorlog"
)

// newProject lays out a small site in a temp dir and makes it the working
// directory, since build paths are relative to the project root.
func newProject(t *testing.T) *Manifest {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	files := map[string]string{
		".eleventy.js":           `const md = require("markdown-it"); const pad = require("left-pad"); module.exports = {};`,
		"src/_data/site.js":      `const dayjs = require("dayjs"); module.exports = { year: dayjs().year() };`,
		"src/_includes/base.njk": `<html>{{ content | safe }}</html>`,
		"src/index.njk":          `home`,
		"src/dynamic.njk":        `dynamic`,
		"src/search.njk":         `search`,
		"robots.txt":             `User-agent: *`,
	}
	for rel, content := range files {
		p := filepath.FromSlash(rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	return &Manifest{
		Config:          ".eleventy.js",
		GlobalDataFiles: []string{"src/_data/site.js"},
		Directories:     Directories{Data: "src/_data", Includes: "src/_includes"},
		TemplateMap: []Entry{
			{InputPath: "src/index.njk"},
			{InputPath: "src/dynamic.njk", Serverless: map[string]URLs{"possum": {"/dynamic/"}}},
			{InputPath: "src/search.njk", Serverless: map[string]URLs{"possum": {"/search/", "/search/2/"}, "other": {"/elsewhere/"}}},
			// second pagination page repeating a URL is not a conflict
			{InputPath: "src/search.njk", Serverless: map[string]URLs{"possum": {"/search/2/"}}},
		},
	}
}

func newPlugin(t *testing.T, opts Options) *Plugin {
	t.Helper()
	t.Setenv("FERRY_SOURCE", "cli")
	if opts.Name == "" {
		opts.Name = "possum"
	}
	p, err := New(opts, colorlog.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(Options{}, colorlog.Discard())
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestReplayBundlesFunction(t *testing.T) {
	m := newProject(t)
	p := newPlugin(t, Options{Config: Config{
		Copy:                []CopyTarget{{From: "robots.txt"}},
		ExcludeDependencies: []string{"markdown-it"},
	}})

	if err := Replay(context.Background(), p, m); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	out := filepath.Join("functions", "possum")
	for _, rel := range []string{
		config.FileBundlerModules,
		config.FileConfigModules,
		config.FileGlobalDataModules,
		config.FileServerlessMap,
		config.FileConfig,
		"src/_data/site.js",
		"src/_includes/base.njk",
		"src/dynamic.njk",
		"src/search.njk",
		"robots.txt",
	} {
		if _, err := os.Stat(filepath.Join(out, filepath.FromSlash(rel))); err != nil {
			t.Errorf("%s missing from bundle: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "src", "index.njk")); !os.IsNotExist(err) {
		t.Error("static template should not be bundled")
	}

	if got := readFile(t, filepath.Join(out, config.FileConfigModules)); got != "require(\"left-pad\");\n" {
		t.Errorf("config marker = %q", got)
	}
	if got := readFile(t, filepath.Join(out, config.FileGlobalDataModules)); got != "require(\"dayjs\");\n" {
		t.Errorf("global data marker = %q", got)
	}

	got, err := urlmap.Load(filepath.Join(out, config.FileServerlessMap))
	if err != nil {
		t.Fatal(err)
	}
	want := urlmap.OutputMap{"/dynamic/": "src/dynamic.njk", "/search/": "src/search.njk", "/search/2/": "src/search.njk"}
	if len(got) != len(want) {
		t.Fatalf("map = %v, want %v", got, want)
	}
	for url, input := range want {
		if got[url] != input {
			t.Errorf("map[%s] = %q, want %q", url, got[url], input)
		}
	}

	// entry marker, config copy, two markers, data, includes, map, two inputs, robots.txt
	if p.CopyCount() != 10 {
		t.Errorf("CopyCount = %d, want 10", p.CopyCount())
	}

	doc, err := redirects.ReadDocument("netlify.toml")
	if err != nil {
		t.Fatal(err)
	}
	rules, err := doc.Rules()
	if err != nil {
		t.Fatal(err)
	}
	var froms []string
	for _, r := range rules {
		froms = append(froms, r.From)
		if r.To != "/.netlify/functions/possum" || r.Status != 200 || !r.Force || r.GeneratedBy != "possum" {
			t.Errorf("rule = %+v", r)
		}
	}
	if strings.Join(froms, ",") != "/dynamic/,/search/,/search/2/" {
		t.Errorf("redirects = %v", froms)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	m := newProject(t)
	os.WriteFile("netlify.toml", []byte(`[build]
publish = "_site"

[[redirects]]
from = "/old/"
to = "/new/"
status = 301
`), 0o644)
	p := newPlugin(t, Options{})

	if err := Replay(context.Background(), p, m); err != nil {
		t.Fatal(err)
	}
	first := readFile(t, "netlify.toml")
	firstCount := p.CopyCount()

	if err := Replay(context.Background(), p, m); err != nil {
		t.Fatal(err)
	}
	if second := readFile(t, "netlify.toml"); second != first {
		t.Errorf("routing document changed on rebuild:\n%s\n---\n%s", first, second)
	}
	if p.CopyCount() != firstCount {
		t.Errorf("CopyCount = %d after rebuild, want %d (reset per build)", p.CopyCount(), firstCount)
	}
	if !strings.Contains(first, "/old/") || !strings.Contains(first, "publish") {
		t.Errorf("foreign content lost:\n%s", first)
	}
}

func TestRouteConflictFailsBuild(t *testing.T) {
	m := newProject(t)
	m.TemplateMap = append(m.TemplateMap, Entry{
		InputPath:  "src/index.njk",
		Serverless: map[string]URLs{"possum": {"/dynamic/"}},
	})
	p := newPlugin(t, Options{})

	err := Replay(context.Background(), p, m)
	if !errors.Is(err, ErrRouteConflict) {
		t.Fatalf("err = %v, want ErrRouteConflict", err)
	}
	var conflict *urlmap.RouteConflictError
	if !errors.As(err, &conflict) || conflict.Existing != "src/dynamic.njk" || conflict.Incoming != "src/index.njk" {
		t.Errorf("conflict = %+v", conflict)
	}
	if _, err := os.Stat(filepath.Join("functions", "possum", config.FileServerlessMap)); !os.IsNotExist(err) {
		t.Error("no map should be persisted after a conflict")
	}
	if _, err := os.Stat("netlify.toml"); !os.IsNotExist(err) {
		t.Error("no redirects should be written after a conflict")
	}
}

func TestEmptyMapIsStillWritten(t *testing.T) {
	m := newProject(t)
	m.TemplateMap = []Entry{{InputPath: "src/index.njk"}}
	p := newPlugin(t, Options{})

	if err := Replay(context.Background(), p, m); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join("functions", "possum", config.FileServerlessMap)); got != "{}\n" {
		t.Errorf("map = %q", got)
	}
	doc, _ := redirects.ReadDocument("netlify.toml")
	if doc.HasRedirects() {
		t.Error("empty map should leave no redirects key")
	}
}

func TestMissingDirectoryFails(t *testing.T) {
	m := newProject(t)
	m.Directories.Layouts = "src/_layouts"
	p := newPlugin(t, Options{})

	err := Replay(context.Background(), p, m)
	if !errors.Is(err, ErrIO) {
		t.Errorf("err = %v, want ErrIO", err)
	}
	if !strings.HasPrefix(err.Error(), "directories resolved") {
		t.Errorf("err = %v, want failing signal named", err)
	}
}

func TestNestedDirectoriesCopiedOnce(t *testing.T) {
	newProject(t)
	for _, rel := range []string{"src/_includes/layouts/page.njk", "src/_includes/layouts/post.njk"} {
		if err := os.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(rel, []byte(rel), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	p := newPlugin(t, Options{})

	dirs := Directories{Data: "src/_data", Includes: "src/_includes", Layouts: "src/_includes/layouts"}
	if err := p.DirectoriesResolved(context.Background(), dirs); err != nil {
		t.Fatal(err)
	}

	var onDisk int
	err := filepath.WalkDir(p.OutputDir(), func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			onDisk++
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	// site.js, base.njk, page.njk, post.njk
	if onDisk != 4 || p.CopyCount() != 4 {
		t.Errorf("files on disk = %d, CopyCount = %d, want 4 each", onDisk, p.CopyCount())
	}
}

func TestOutermost(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"disjoint", []string{"src/_data", "src/_includes"}, "src/_data,src/_includes"},
		{"nested", []string{"src/_data", "src/_includes", "src/_includes/layouts"}, "src/_data,src/_includes"},
		{"nested first", []string{"src/_includes/layouts", "src/_includes/"}, "src/_includes/"},
		{"duplicate", []string{"src/a.njk", "./src/a.njk"}, "src/a.njk"},
		{"sibling prefix", []string{"src/inc", "src/includes"}, "src/inc,src/includes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.Join(outermost(tt.in), ","); got != tt.want {
				t.Errorf("outermost(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedirectPolicies(t *testing.T) {
	t.Run("None", func(t *testing.T) {
		m := newProject(t)
		p := newPlugin(t, Options{Config: Config{Redirects: config.RedirectsNone}})
		if err := Replay(context.Background(), p, m); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat("netlify.toml"); !os.IsNotExist(err) {
			t.Error("netlify.toml written with redirects disabled")
		}
	})

	t.Run("Builders", func(t *testing.T) {
		m := newProject(t)
		p := newPlugin(t, Options{Config: Config{Redirects: config.RedirectsNetlifyBuilders}})
		if err := Replay(context.Background(), p, m); err != nil {
			t.Fatal(err)
		}
		if got := readFile(t, "netlify.toml"); !strings.Contains(got, "/.netlify/builders/possum") {
			t.Errorf("document = %s", got)
		}
	})

	t.Run("Custom", func(t *testing.T) {
		m := newProject(t)
		var seen OutputMap
		p := newPlugin(t, Options{Policy: PolicyFunc(func(_ context.Context, om urlmap.OutputMap) error {
			seen = om
			return nil
		})})
		if err := Replay(context.Background(), p, m); err != nil {
			t.Fatal(err)
		}
		if len(seen) != 3 {
			t.Errorf("policy saw %v", seen)
		}
		if _, err := os.Stat("netlify.toml"); !os.IsNotExist(err) {
			t.Error("custom policy should replace the default")
		}
	})

	t.Run("Failure", func(t *testing.T) {
		m := newProject(t)
		boom := errors.New("boom")
		p := newPlugin(t, Options{Policy: PolicyFunc(func(context.Context, urlmap.OutputMap) error { return boom })})
		if err := Replay(context.Background(), p, m); !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestInertOutsideCLI(t *testing.T) {
	m := newProject(t)
	t.Setenv("FERRY_SOURCE", "")
	p, err := New(Options{Config: Config{Name: "possum"}}, colorlog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if p.Active() {
		t.Fatal("plugin active without CLI flag")
	}
	if err := Replay(context.Background(), p, m); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat("functions"); !os.IsNotExist(err) {
		t.Error("inert plugin wrote files")
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	p.DevMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dynamic/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want passthrough", rec.Code)
	}
}

type recorder struct {
	calls []string
	fail  string
}

func (r *recorder) step(name string) error {
	r.calls = append(r.calls, name)
	if name == r.fail {
		return errors.New("failed")
	}
	return nil
}

func (r *recorder) BuildStart(context.Context) error { return r.step("start") }
func (r *recorder) ConfigResolved(_ context.Context, path string) error {
	return r.step("config:" + path)
}
func (r *recorder) GlobalDataFilesResolved(context.Context, []string) error { return r.step("data") }
func (r *recorder) DirectoriesResolved(context.Context, Directories) error { return r.step("dirs") }
func (r *recorder) TemplateMapResolved(context.Context, []Entry) error { return r.step("map") }
func (r *recorder) BuildEnd(context.Context) error { return r.step("end") }

func TestReplayOrder(t *testing.T) {
	m := &Manifest{Config: "a.js"}

	r := &recorder{}
	if err := Replay(context.Background(), r, m); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(r.calls, ","); got != "start,config:a.js,data,dirs,map,end" {
		t.Errorf("calls = %s", got)
	}

	r = &recorder{fail: "dirs"}
	if err := Replay(context.Background(), r, m); err == nil {
		t.Fatal("expected failure")
	}
	if got := strings.Join(r.calls, ","); got != "start,config:a.js,data,dirs" {
		t.Errorf("calls = %s, want stop at first failure", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Replay(ctx, &recorder{}, m); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"config": ".eleventy.js",
		"directories": {"data": "_data", "includes": "_includes"},
		"templateMap": [{"inputPath": "a.njk", "serverless": {"possum": "/a/"}}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if urls := m.TemplateMap[0].Serverless["possum"]; len(urls) != 1 || urls[0] != "/a/" {
		t.Errorf("urls = %v", urls)
	}

	if _, err := ParseManifest([]byte(`{"templateMap": []}`)); err == nil {
		t.Error("expected error without config path")
	}
	if _, err := ParseManifest([]byte(`nope`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestDevMiddlewareRoutesThroughFunction(t *testing.T) {
	newProject(t)
	var loads int
	p := newPlugin(t, Options{Loader: bundler.LoaderFunc(func(_ context.Context, entry string) (bundler.Handler, error) {
		loads++
		if !strings.HasSuffix(filepath.ToSlash(entry), "functions/possum/index.js") {
			t.Errorf("entry = %s", entry)
		}
		return bundler.HandlerFunc(func(_ context.Context, ev *bundler.Event) (*bundler.Result, error) {
			if ev.Path != "/dynamic/" {
				return &bundler.Result{StatusCode: http.StatusNotFound}, nil
			}
			return &bundler.Result{StatusCode: http.StatusOK, Body: "dynamic!"}, nil
		}), nil
	})})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	p.DevMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dynamic/", nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), []byte("dynamic!")) {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	p.DevMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/about/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want fallthrough", rec.Code)
	}
	if loads != 2 {
		t.Errorf("loads = %d, want one per request", loads)
	}
}
