package redirects

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Document is a routing configuration file held as a generic tree, so keys
// ferry does not know about are written back unchanged.
type Document struct {
	tree map[string]any
}

func NewDocument() *Document {
	return &Document{tree: map[string]any{}}
}

// DecodeDocument parses TOML bytes. Empty input yields an empty document.
func DecodeDocument(data []byte) (*Document, error) {
	doc := NewDocument()
	if len(data) == 0 {
		return doc, nil
	}
	if err := toml.Unmarshal(data, &doc.tree); err != nil {
		return nil, fmt.Errorf("decode routing document: %w", err)
	}
	if doc.tree == nil {
		doc.tree = map[string]any{}
	}
	return doc, nil
}

// ReadDocument reads path, returning an empty document if it does not exist.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read routing document: %w", err)
	}
	return DecodeDocument(data)
}

// Encode returns the TOML form of the document. Keys are emitted in sorted
// order, so encoding the same document twice yields identical bytes.
func (d *Document) Encode() ([]byte, error) {
	data, err := toml.Marshal(d.tree)
	if err != nil {
		return nil, fmt.Errorf("encode routing document: %w", err)
	}
	return data, nil
}

// WriteDocument encodes doc to path.
func WriteDocument(path string, doc *Document) error {
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create routing document dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write routing document: %w", err)
	}
	return nil
}

// Get returns a top-level value other than the redirects.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.tree[key]
	return v, ok
}

// HasRedirects reports whether the redirects key is present.
func (d *Document) HasRedirects() bool {
	_, ok := d.tree[keyRedirects]
	return ok
}

// Rules decodes the redirects array.
func (d *Document) Rules() ([]Rule, error) {
	raw, ok := d.tree[keyRedirects]
	if !ok {
		return nil, nil
	}

	var entries []map[string]any
	switch v := raw.(type) {
	case []any:
		for i, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("redirects[%d]: expected a table, got %T", i, e)
			}
			entries = append(entries, m)
		}
	case []map[string]any:
		entries = v
	default:
		return nil, fmt.Errorf("redirects: expected an array of tables, got %T", raw)
	}

	rules := make([]Rule, 0, len(entries))
	for i, e := range entries {
		r, err := ruleFromTable(e)
		if err != nil {
			return nil, fmt.Errorf("redirects[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// SetRules replaces the redirects array. An empty list removes the key
// entirely instead of writing an empty array.
func (d *Document) SetRules(rules []Rule) {
	if len(rules) == 0 {
		delete(d.tree, keyRedirects)
		return
	}
	tables := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		tables = append(tables, r.table())
	}
	d.tree[keyRedirects] = tables
}

func ruleFromTable(t map[string]any) (Rule, error) {
	r := Rule{present: map[string]bool{}}
	for k, v := range t {
		var ok bool
		switch k {
		case keyFrom:
			r.From, ok = v.(string)
		case keyTo:
			r.To, ok = v.(string)
		case keyStatus:
			r.Status, ok = toInt(v)
		case keyForce:
			r.Force, ok = v.(bool)
		case keyGeneratedBy:
			r.GeneratedBy, ok = v.(string)
		default:
			if r.Extra == nil {
				r.Extra = map[string]any{}
			}
			r.Extra[k] = v
			continue
		}
		if !ok {
			return Rule{}, fmt.Errorf("key %q has unexpected type %T", k, v)
		}
		r.present[k] = true
	}
	return r, nil
}

func (r Rule) table() map[string]any {
	t := make(map[string]any, len(r.Extra)+5)
	maps.Copy(t, r.Extra)
	t[keyFrom] = r.From
	t[keyTo] = r.To
	if r.Status != 0 || r.present[keyStatus] {
		t[keyStatus] = int64(r.Status)
	}
	if r.Force || r.present[keyForce] {
		t[keyForce] = r.Force
	}
	if r.GeneratedBy != "" {
		t[keyGeneratedBy] = r.GeneratedBy
	}
	return t
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
