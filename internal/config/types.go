// Package config provides the option types, defaults and validation shared by
// every ferry package. It has no dependencies on other internal packages.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Options configures one named serverless function.
type Options struct {
	// Required -- unique name of the serverless function. Becomes the name of
	// the bundle directory inside FunctionsDir.
	Name string `json:"name"`

	// Optional -- defaults to "./functions/".
	FunctionsDir string `json:"functionsDir,omitempty"`

	// Optional -- extra files or directories copied into the bundle once the
	// build finishes.
	Copy []CopyTarget `json:"copy,omitempty"`

	// Optional -- applied to every recursive copy.
	CopyOptions *CopyOptions `json:"copyOptions,omitempty"`

	// Optional -- package names left out of generated dependency markers.
	ExcludeDependencies []string `json:"excludeDependencies,omitempty"`

	// Optional -- redirect generation policy. One of RedirectsNetlifyTOML
	// (default), RedirectsNetlifyFunctions, RedirectsNetlifyBuilders or
	// RedirectsNone. Custom policies are set programmatically.
	Redirects string `json:"redirects,omitempty"`

	// Optional -- routing document path, defaults to "netlify.toml".
	RedirectsFile string `json:"redirectsFile,omitempty"`

	// Optional -- when true (default), imports that cannot be resolved on
	// disk are skipped during dependency listing instead of failing.
	AllowMissingDependencies *bool `json:"allowMissingDependencies,omitempty"`
}

type CopyOptions struct {
	Overwrite *bool    `json:"overwrite,omitempty"` // default true
	Dot       *bool    `json:"dot,omitempty"`       // default true
	Junk      bool     `json:"junk,omitempty"`      // default false
	Filter    []string `json:"filter,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
}

// Merge returns o with every field set in over taking precedence.
// Filter and Exclude lists are concatenated.
func (o *CopyOptions) Merge(over *CopyOptions) *CopyOptions {
	merged := &CopyOptions{}
	for _, src := range []*CopyOptions{o, over} {
		if src == nil {
			continue
		}
		if src.Overwrite != nil {
			merged.Overwrite = src.Overwrite
		}
		if src.Dot != nil {
			merged.Dot = src.Dot
		}
		if src.Junk {
			merged.Junk = true
		}
		merged.Filter = append(merged.Filter, src.Filter...)
		merged.Exclude = append(merged.Exclude, src.Exclude...)
	}
	return merged
}

func (o *CopyOptions) OverwriteOrDefault() bool {
	return o == nil || o.Overwrite == nil || *o.Overwrite
}

func (o *CopyOptions) DotOrDefault() bool {
	return o == nil || o.Dot == nil || *o.Dot
}

// CopyTarget is either a bare path (copied to the same relative path inside
// the bundle) or a {from, to, options} triple.
type CopyTarget struct {
	From    string       `json:"from"`
	To      string       `json:"to,omitempty"`
	Options *CopyOptions `json:"options,omitempty"`
}

// Dest returns the bundle-relative destination.
func (c CopyTarget) Dest() string {
	if c.To != "" {
		return c.To
	}
	return c.From
}

func (c *CopyTarget) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = CopyTarget{From: s}
		return nil
	}
	type plain CopyTarget
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("copy target must be a path or {from, to, options}: %w", err)
	}
	*c = CopyTarget(p)
	return nil
}

// Redirect policy names
const (
	RedirectsNetlifyTOML      = "netlify-toml"
	RedirectsNetlifyFunctions = "netlify-toml-functions"
	RedirectsNetlifyBuilders  = "netlify-toml-builders"
	RedirectsNone             = "none"
)

// Defaults
const (
	DefaultFunctionsDir  = "./functions/"
	DefaultRedirectsFile = "netlify.toml"
)

// Files written into every bundle
const (
	FileBundlerModules    = "ferry-bundler-modules.js"
	FileConfigModules     = "ferry-app-config-modules.js"
	FileGlobalDataModules = "ferry-app-globaldata-modules.js"
	FileServerlessMap     = "ferry-serverless-map.json"
	FileConfig            = "ferry.config.js"
	FileEntry             = "index.js"
)

// OutputDir returns the bundle directory for the named function.
func (o *Options) OutputDir() string {
	return filepath.Join(o.FunctionsDir, o.Name)
}

// AllowMissing reports whether unresolved imports are tolerated.
func (o *Options) AllowMissing() bool {
	return o.AllowMissingDependencies == nil || *o.AllowMissingDependencies
}
