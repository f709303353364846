// Package config holds the option map passed to engine factories and handles.
package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// Well-known option names.
const (
	KeyPath = "path"
	KeyType = "type"
)

// Configuration maps option names to values. It is immutable once built: the setters
// return modified copies.
type Configuration struct {
	values map[string]any
}

// New builds a Configuration from values. The map is copied.
func New(values map[string]any) Configuration {
	return Configuration{values: maps.Clone(values)}
}

// FromYAML parses a YAML mapping, e.g. "path: model.onnx\ntype: onnx".
func FromYAML(s string) (Configuration, error) {
	values := map[string]any{}
	if err := yaml.Unmarshal([]byte(s), &values); err != nil {
		return Configuration{}, errdefs.Configurationf("parsing yaml configuration: %v", err)
	}
	return Configuration{values: values}, nil
}

// FromFile reads a YAML configuration file.
func FromFile(path string) (Configuration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, errdefs.Mark(fmt.Errorf("reading configuration %q: %w", path, err), errdefs.ErrIO)
	}
	return FromYAML(string(b))
}

// With returns a copy of c with key set to value.
func (c Configuration) With(key string, value any) Configuration {
	values := maps.Clone(c.values)
	if values == nil {
		values = map[string]any{}
	}
	values[key] = value
	return Configuration{values: values}
}

func (c Configuration) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Keys returns the option names in sorted order.
func (c Configuration) Keys() []string {
	return slices.Sorted(maps.Keys(c.values))
}

// Get returns the raw value for key.
func (c Configuration) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns key as a string, or def when absent.
func (c Configuration) GetString(key, def string) (string, error) {
	v, ok := c.values[key]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case int, int64, float64, bool:
		return fmt.Sprint(v), nil
	default:
		return "", errdefs.Configurationf("option %q: expected a string, got %T", key, v)
	}
}

// MustString returns key as a string and fails if it is absent or empty.
func (c Configuration) MustString(key string) (string, error) {
	s, err := c.GetString(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", errdefs.Configurationf("missing required option %q", key)
	}
	return s, nil
}

// GetInt returns key as an int, or def when absent.
func (c Configuration) GetInt(key string, def int) (int, error) {
	v, ok := c.values[key]
	if !ok {
		return def, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, errdefs.Configurationf("option %q: %v", key, err)
	}
	return n, nil
}

// GetFloat returns key as a float64, or def when absent.
func (c Configuration) GetFloat(key string, def float64) (float64, error) {
	v, ok := c.values[key]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errdefs.Configurationf("option %q: %v", key, err)
		}
		return f, nil
	default:
		return 0, errdefs.Configurationf("option %q: expected a number, got %T", key, v)
	}
}

// GetBool returns key as a bool, or def when absent.
func (c Configuration) GetBool(key string, def bool) (bool, error) {
	v, ok := c.values[key]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, errdefs.Configurationf("option %q: %v", key, err)
		}
		return b, nil
	default:
		return false, errdefs.Configurationf("option %q: expected a bool, got %T", key, v)
	}
}

// GetIntSlice returns key as a list of ints. Both YAML sequences and
// comma-separated strings ("1,10") are accepted.
func (c Configuration) GetIntSlice(key string) ([]int, bool, error) {
	v, ok := c.values[key]
	if !ok {
		return nil, false, nil
	}
	switch v := v.(type) {
	case []int:
		return slices.Clone(v), true, nil
	case []any:
		out := make([]int, len(v))
		for i, item := range v {
			n, err := toInt(item)
			if err != nil {
				return nil, true, errdefs.Configurationf("option %q[%d]: %v", key, i, err)
			}
			out[i] = n
		}
		return out, true, nil
	case string:
		var out []int
		for _, field := range strings.Split(v, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			n, err := strconv.Atoi(field)
			if err != nil {
				return nil, true, errdefs.Configurationf("option %q: %v", key, err)
			}
			out = append(out, n)
		}
		return out, true, nil
	default:
		return nil, true, errdefs.Configurationf("option %q: expected a list of integers, got %T", key, v)
	}
}

// Sub returns the nested mapping stored under key.
func (c Configuration) Sub(key string) (Configuration, bool) {
	v, ok := c.values[key]
	if !ok {
		return Configuration{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Configuration{}, false
	}
	return New(m), true
}

// String renders the configuration as YAML.
func (c Configuration) String() string {
	b, err := yaml.Marshal(c.values)
	if err != nil {
		return fmt.Sprintf("%v", c.values)
	}
	return strings.TrimSpace(string(b))
}

func toInt(v any) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("expected an integer, got %v", v)
		}
		return int(v), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
