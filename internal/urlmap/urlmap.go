// Package urlmap reconciles the serverless URLs declared by templates into a
// single URL to input file map for one named function.
package urlmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

var ErrRouteConflict = errors.New("serverless route conflict")

// RouteConflictError reports two different input files claiming the same URL
// for the same function.
type RouteConflictError struct {
	Function string
	URL      string
	Existing string
	Incoming string
}

func (e *RouteConflictError) Error() string {
	return fmt.Sprintf(
		"%s: %q and %q both map to URL %q for serverless function %q",
		ErrRouteConflict, e.Existing, e.Incoming, e.URL, e.Function,
	)
}

func (e *RouteConflictError) Unwrap() error { return ErrRouteConflict }

// URLs is a list of URLs that also decodes from a single JSON string.
type URLs []string

func (u *URLs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = URLs{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("serverless URL must be a string or a list of strings: %w", err)
	}
	*u = list
	return nil
}

// Entry is one template of the site-wide template map.
type Entry struct {
	InputPath  string          `json:"inputPath"`
	Serverless map[string]URLs `json:"serverless,omitempty"`
}

// OutputMap maps URLs to input paths.
type OutputMap map[string]string

// Reconcile builds the output map for functionName. Entries are visited in
// order, so the first claimant of a URL is always the one reported as
// Existing in a conflict.
func Reconcile(entries []Entry, functionName string) (OutputMap, error) {
	out := OutputMap{}
	for _, entry := range entries {
		urls, ok := entry.Serverless[functionName]
		if !ok {
			continue
		}
		for _, url := range urls {
			existing, taken := out[url]
			if !taken {
				out[url] = entry.InputPath
				continue
			}
			// Pagination can emit the same URL for the same input more than once.
			if existing == entry.InputPath {
				continue
			}
			return nil, &RouteConflictError{
				Function: functionName,
				URL:      url,
				Existing: existing,
				Incoming: entry.InputPath,
			}
		}
	}
	return out, nil
}

// InputPaths returns the distinct input paths referenced by m, sorted.
func (m OutputMap) InputPaths() []string {
	seen := make(map[string]struct{}, len(m))
	paths := make([]string, 0, len(m))
	for _, p := range m {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// URLs returns the keys of m, sorted.
func (m OutputMap) URLs() []string {
	urls := make([]string, 0, len(m))
	for u := range m {
		urls = append(urls, u)
	}
	slices.Sort(urls)
	return urls
}

// Encode returns the pretty-printed JSON form of m. An empty map encodes
// as "{}" rather than "null".
func (m OutputMap) Encode() ([]byte, error) {
	if m == nil {
		m = OutputMap{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Write persists m at path, creating parent directories as needed.
func Write(path string, m OutputMap) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode serverless map: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create serverless map dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write serverless map: %w", err)
	}
	return nil
}

// Load reads a map previously written by Write.
func Load(path string) (OutputMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m OutputMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode serverless map %s: %w", path, err)
	}
	if m == nil {
		m = OutputMap{}
	}
	return m, nil
}
