package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrConfiguration is wrapped by every validation failure.
var ErrConfiguration = errors.New("invalid configuration")

// Parse parses and validates options JSON, filling in defaults.
func Parse(data []byte) (*Options, error) {
	var opts Options
	if err := json.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("%w: parse options: %v", ErrConfiguration, err)
	}
	if err := Normalize(&opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

// ParseFile reads and parses an options file.
func ParseFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}
	return Parse(data)
}

// Normalize validates opts in place and applies defaults.
func Normalize(opts *Options) error {
	if err := validate(opts); err != nil {
		return err
	}
	if opts.FunctionsDir == "" {
		opts.FunctionsDir = DefaultFunctionsDir
	}
	if opts.Redirects == "" {
		opts.Redirects = RedirectsNetlifyTOML
	}
	if opts.RedirectsFile == "" {
		opts.RedirectsFile = DefaultRedirectsFile
	}
	return nil
}

func validate(opts *Options) error {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return fmt.Errorf("%w: serverless options must have a name", ErrConfiguration)
	}
	if name != opts.Name || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: name %q must be a single path segment", ErrConfiguration, opts.Name)
	}

	switch opts.Redirects {
	case "", RedirectsNetlifyTOML, RedirectsNetlifyFunctions, RedirectsNetlifyBuilders, RedirectsNone:
	default:
		return fmt.Errorf("%w: unknown redirects policy %q", ErrConfiguration, opts.Redirects)
	}

	for i, c := range opts.Copy {
		if c.From == "" {
			return fmt.Errorf("%w: copy[%d] has no source path", ErrConfiguration, i)
		}
	}

	return nil
}
