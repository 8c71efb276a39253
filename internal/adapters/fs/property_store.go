package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/bft-labs/replicator/pkg/plugin"
)

const dynamicFileName = "dynamic.toml"

// PropertyStore implements replicator.PropertyStore over two TOML files: a
// static properties file maintained by the operator and a dynamic overrides
// file written by the controller. Nested tables flatten to dotted keys.
type PropertyStore struct {
	mu      sync.Mutex
	static  string
	dynamic string
}

// NewPropertyStore creates a store reading static properties from path.
// Dynamic overrides are kept next to it unless dynamicPath is set.
func NewPropertyStore(path, dynamicPath string) *PropertyStore {
	if dynamicPath == "" {
		dynamicPath = filepath.Join(filepath.Dir(path), dynamicFileName)
	}
	return &PropertyStore{static: path, dynamic: dynamicPath}
}

// Load returns the static properties overridden by the dynamic ones.
// A missing file counts as empty.
func (s *PropertyStore) Load() (plugin.Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	props, err := readProperties(s.static)
	if err != nil {
		return nil, err
	}
	dyn, err := readProperties(s.dynamic)
	if err != nil {
		return nil, err
	}
	for k, v := range dyn {
		props[k] = v
	}
	return props, nil
}

// SetDynamic persists an override.
func (s *PropertyStore) SetDynamic(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dyn, err := readProperties(s.dynamic)
	if err != nil {
		return err
	}
	dyn[key] = value
	return writeProperties(s.dynamic, dyn)
}

// ClearDynamic removes the overrides file.
func (s *PropertyStore) ClearDynamic() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.dynamic); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear dynamic properties: %w", err)
	}
	return nil
}

// Paths returns the files backing the store, static first.
func (s *PropertyStore) Paths() []string {
	return []string{s.static, s.dynamic}
}

func readProperties(path string) (plugin.Properties, error) {
	props := make(plugin.Properties)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return props, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	flatten("", raw, props)
	return props, nil
}

func flatten(prefix string, in map[string]any, out plugin.Properties) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, len(val))
			for i, item := range val {
				parts[i] = fmt.Sprint(item)
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// writeProperties writes props atomically: temp file, then rename.
func writeProperties(path string, props plugin.Properties) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		line, err := toml.Marshal(map[string]string{k: props[k]})
		if err != nil {
			return err
		}
		b.Write(line)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
