package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	opts, err := Parse([]byte(`{"name": "site"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.FunctionsDir != DefaultFunctionsDir {
		t.Errorf("FunctionsDir = %q, want %q", opts.FunctionsDir, DefaultFunctionsDir)
	}
	if opts.Redirects != RedirectsNetlifyTOML {
		t.Errorf("Redirects = %q, want %q", opts.Redirects, RedirectsNetlifyTOML)
	}
	if opts.RedirectsFile != DefaultRedirectsFile {
		t.Errorf("RedirectsFile = %q", opts.RedirectsFile)
	}
	if !opts.AllowMissing() {
		t.Error("AllowMissing should default to true")
	}
	if got, want := opts.OutputDir(), filepath.Join("functions", "site"); got != want {
		t.Errorf("OutputDir = %q, want %q", got, want)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"MissingName", `{}`},
		{"BlankName", `{"name": "  "}`},
		{"NameWithSlash", `{"name": "a/b"}`},
		{"DotDot", `{"name": ".."}`},
		{"UnknownPolicy", `{"name": "site", "redirects": "apache"}`},
		{"CopyWithoutSource", `{"name": "site", "copy": [{"to": "x"}]}`},
		{"Malformed", `{"name": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("err = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestCopyTargetUnmarshal(t *testing.T) {
	opts, err := Parse([]byte(`{
		"name": "site",
		"copy": [
			"src/_generated",
			{"from": "node_modules/lib", "to": "lib", "options": {"filter": ["**/*.js"]}}
		]
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(opts.Copy) != 2 {
		t.Fatalf("len(Copy) = %d, want 2", len(opts.Copy))
	}

	bare := opts.Copy[0]
	if bare.From != "src/_generated" || bare.Dest() != "src/_generated" {
		t.Errorf("bare target = %+v", bare)
	}

	triple := opts.Copy[1]
	if triple.From != "node_modules/lib" || triple.Dest() != "lib" {
		t.Errorf("triple target = %+v", triple)
	}
	if triple.Options == nil || len(triple.Options.Filter) != 1 {
		t.Errorf("triple options = %+v", triple.Options)
	}
}

func TestCopyOptionsMerge(t *testing.T) {
	f := false
	base := &CopyOptions{Dot: &f, Exclude: []string{"a"}}
	over := &CopyOptions{Junk: true, Exclude: []string{"b"}}

	got := base.Merge(over)
	if got.DotOrDefault() {
		t.Error("Dot should stay false from base")
	}
	if !got.OverwriteOrDefault() {
		t.Error("Overwrite should default to true")
	}
	if !got.Junk {
		t.Error("Junk should come from override")
	}
	if len(got.Exclude) != 2 {
		t.Errorf("Exclude = %v, want both lists", got.Exclude)
	}

	var nilOpts *CopyOptions
	if m := nilOpts.Merge(nil); !m.DotOrDefault() || !m.OverwriteOrDefault() {
		t.Error("nil merge should keep defaults")
	}
}

func TestParseFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ferry.json")
	if err := os.WriteFile(p, []byte(`{"name": "onrequest", "functionsDir": "netlify/functions"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := ParseFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if opts.OutputDir() != filepath.Join("netlify", "functions", "onrequest") {
		t.Errorf("OutputDir = %q", opts.OutputDir())
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestIsCLIBuild(t *testing.T) {
	t.Setenv(envSource, "")
	if IsCLIBuild() {
		t.Error("IsCLIBuild should be false without env")
	}
	SetSourceCLI()
	if !IsCLIBuild() {
		t.Error("IsCLIBuild should be true after SetSourceCLI")
	}
}
