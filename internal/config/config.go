package config

// #region imports
import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// #endregion

// #region document

// Document is one immutable view of the persisted configuration file.
// Readers always dereference through the Service and never retain a stale
// Document across cycles.
type Document struct {
	data map[string]any // nested structure as unmarshalled
	flat map[string]any // dotted leaf path -> scalar
}

// Get returns the value at a dotted path.
func (d *Document) Get(path string) (any, bool) {
	v, ok := d.flat[path]
	return v, ok
}

// GetFloat returns a numeric leaf as float64.
func (d *Document) GetFloat(path string) (float64, bool) {
	v, ok := d.flat[path]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// GetBool returns a boolean leaf.
func (d *Document) GetBool(path string) (bool, bool) {
	v, ok := d.flat[path]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetStrings returns a list-of-strings leaf.
func (d *Document) GetStrings(path string) []string {
	v, ok := d.flat[path]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns all leaf paths, sorted.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.flat))
	for k := range d.flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// #endregion

// #region service

// Service owns the live configuration file: an atomic snapshot pointer for
// readers, an explicit Reload that swaps it, and the single write path used
// after a snapshot has been taken.
type Service struct {
	path string
	cur  atomic.Pointer[Document]
	mu   sync.Mutex // serializes SetValue/Reload against each other
}

// Load reads the configuration file and builds the service.
func Load(path string) (*Service, error) {
	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	s := &Service{path: path}
	s.cur.Store(doc)
	return s, nil
}

// Path returns the live file location.
func (s *Service) Path() string {
	return s.path
}

// Current returns the active immutable configuration view.
func (s *Service) Current() *Document {
	return s.cur.Load()
}

// #endregion

// #region reload

// Reload re-reads the live file and atomically swaps the snapshot pointer.
// Returns only genuinely changed leaf paths (modified, added, or removed),
// sorted.
func (s *Service) Reload() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Service) reloadLocked() ([]string, error) {
	next, err := readDocument(s.path)
	if err != nil {
		return nil, err
	}
	prev := s.cur.Load()

	changed := make(map[string]bool)
	for k, v := range next.flat {
		old, ok := prev.flat[k]
		if !ok || !leafEqual(old, v) {
			changed[k] = true
		}
	}
	for k := range prev.flat {
		if _, ok := next.flat[k]; !ok {
			changed[k] = true
		}
	}

	s.cur.Store(next)

	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func leafEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// #endregion

// #region set-value

// SetValue writes a scalar leaf at a dotted path and rewrites the whole
// document. Callers must have taken a config snapshot first; this is the
// only write path in the core. Intermediate maps are created as needed.
func (s *Service) SetValue(path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.cur.Load()
	data := deepCopy(doc.data)

	parts := strings.Split(path, ".")
	node := data
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value

	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if _, err := s.reloadLocked(); err != nil {
		return fmt.Errorf("reload after write: %w", err)
	}
	return nil
}

// #endregion

// #region helpers

func readDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	data := make(map[string]any)
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	flat := make(map[string]any)
	flatten("", data, flat)
	return &Document{data: data, flat: flat}, nil
}

func flatten(prefix string, node map[string]any, out map[string]any) {
	for k, v := range node {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		out[path] = v
	}
}

func deepCopy(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		if child, ok := v.(map[string]any); ok {
			out[k] = deepCopy(child)
			continue
		}
		out[k] = v
	}
	return out
}

// #endregion
