package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// sections maps each top-level key to the field it decodes into.
func (c *Config) sections() map[string]any {
	return map[string]any{
		"telegram":  &c.Telegram,
		"logging":   &c.Logging,
		"broadcast": &c.Broadcast,
		"autoreply": &c.AutoReply,
		"schedules": &c.Schedules,
		"storage":   &c.Storage,
		"http":      &c.HTTP,
	}
}

// decode strictly decodes a JSON or YAML (by extension) config. Each section
// is decoded on its own so errors name the section they came from.
func decode(path string, b []byte) (*Config, error) {
	if isYAML(path) {
		jb, err := yamlToJSON(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		b = jb
	}

	var top map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("%s: config root must be an object: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%s: trailing data after config object", filepath.Base(path))
	}

	var cfg Config
	targets := cfg.sections()
	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dst, ok := targets[k]
		if !ok {
			return nil, fmt.Errorf("unknown config section %q", k)
		}
		sd := json.NewDecoder(bytes.NewReader(top[k]))
		sd.DisallowUnknownFields()
		if err := sd.Decode(dst); err != nil {
			return nil, fmt.Errorf("config section %q: %w", k, err)
		}
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON lets YAML configs go through the same strict JSON decoding.
func yamlToJSON(b []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	v, err := stringKeys(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// stringKeys rejects non-string mapping keys instead of stringifying them,
// so a typo like `123: x` surfaces as an error.
func stringKeys(in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := stringKeys(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%w", k, err)
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml key %v: keys must be strings", k)
			}
			nv, err := stringKeys(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%w", ks, err)
			}
			m[ks] = nv
		}
		return m, nil
	case []any:
		for i, v := range x {
			nv, err := stringKeys(v)
			if err != nil {
				return nil, fmt.Errorf("[%d].%w", i, err)
			}
			x[i] = nv
		}
		return x, nil
	default:
		return in, nil
	}
}
