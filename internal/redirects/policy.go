package redirects

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vormadev/ferry/internal/urlmap"
	"github.com/vormadev/ferry/kit/colorlog"
)

// Policy decides what happens with a function's output map once it is known.
type Policy interface {
	Generate(ctx context.Context, m urlmap.OutputMap) error
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(ctx context.Context, m urlmap.OutputMap) error

func (f PolicyFunc) Generate(ctx context.Context, m urlmap.OutputMap) error {
	return f(ctx, m)
}

// NopPolicy writes nothing.
type NopPolicy struct{}

func (NopPolicy) Generate(context.Context, urlmap.OutputMap) error { return nil }

// Target selects the Netlify endpoint generated rules point at.
type Target string

const (
	TargetFunctions Target = "functions"
	TargetBuilders  Target = "builders"
)

// NetlifyTOML routes every URL of the output map to the named function by
// merging forced 200 rewrites into a netlify.toml style document.
type NetlifyTOML struct {
	Path     string
	Function string
	Target   Target
	Log      *slog.Logger
}

func NewNetlifyTOML(path, function string, target Target, log *slog.Logger) *NetlifyTOML {
	if log == nil {
		log = colorlog.New("ferry")
	}
	if target == "" {
		target = TargetFunctions
	}
	return &NetlifyTOML{Path: path, Function: function, Target: target, Log: log}
}

// Endpoint is the URL the function is deployed at.
func (p *NetlifyTOML) Endpoint() string {
	return fmt.Sprintf("/.netlify/%s/%s", p.Target, p.Function)
}

// Rules returns the generated rules for m, sorted by From.
func (p *NetlifyTOML) Rules(m urlmap.OutputMap) []Rule {
	rules := make([]Rule, 0, len(m))
	for _, url := range m.URLs() {
		rules = append(rules, Rule{
			From:        url,
			To:          p.Endpoint(),
			Status:      200,
			Force:       true,
			GeneratedBy: p.Function,
		})
	}
	return rules
}

// Generate performs the read-merge-write cycle while holding the document lock.
func (p *NetlifyTOML) Generate(ctx context.Context, m urlmap.OutputMap) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := NewLock(p.Path)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			p.Log.Warn("failed to release routing document lock", "path", p.Path, "error", err)
		}
	}()

	doc, err := ReadDocument(p.Path)
	if err != nil {
		return err
	}
	existing, err := doc.Rules()
	if err != nil {
		return fmt.Errorf("%s: %w", p.Path, err)
	}

	merged := Merge(existing, p.Function, p.Rules(m))
	doc.SetRules(merged)

	if err := WriteDocument(p.Path, doc); err != nil {
		return err
	}

	p.Log.Info(fmt.Sprintf("Serverless (%s): wrote %d redirects", p.Function, countGenerated(merged, p.Function)), "path", p.Path)
	return nil
}

func countGenerated(rules []Rule, function string) int {
	n := 0
	for _, r := range rules {
		if r.GeneratedBy == function {
			n++
		}
	}
	return n
}
