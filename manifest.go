package ferry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Manifest records what the site build resolved, so a build can be replayed
// against any Lifecycle outside of the pipeline that produced it.
type Manifest struct {
	Config          string      `json:"config"`
	GlobalDataFiles []string    `json:"globalDataFiles,omitempty"`
	Directories     Directories `json:"directories"`
	TemplateMap     []Entry     `json:"templateMap"`
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse build manifest: %w", err)
	}
	if m.Config == "" {
		return nil, fmt.Errorf("parse build manifest: missing config path")
	}
	return &m, nil
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build manifest: %w", err)
	}
	return ParseManifest(data)
}

// Replay fires every lifecycle signal for m in build order, stopping at the
// first failure.
func Replay(ctx context.Context, lc Lifecycle, m *Manifest) error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"build start", func() error { return lc.BuildStart(ctx) }},
		{"config resolved", func() error { return lc.ConfigResolved(ctx, m.Config) }},
		{"global data files resolved", func() error { return lc.GlobalDataFilesResolved(ctx, m.GlobalDataFiles) }},
		{"directories resolved", func() error { return lc.DirectoriesResolved(ctx, m.Directories) }},
		{"template map resolved", func() error { return lc.TemplateMapResolved(ctx, m.TemplateMap) }},
		{"build end", func() error { return lc.BuildEnd(ctx) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.run(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}
