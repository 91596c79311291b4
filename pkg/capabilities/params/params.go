// Package params reads capability config values. Values arrive from YAML,
// JSON, CUE or the SQLite store, so numbers may be int, int64 or float64;
// bad values are reported as invalid_config.
package params

import (
	"fmt"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Invalid returns an invalid_config capability error.
func Invalid(format string, args ...any) error {
	return engine.NewCapabilityError(engine.ErrorKindInvalidConfig, fmt.Sprintf(format, args...), nil)
}

// String returns cfg[key] as a string.
func String(cfg engine.Config, key string, required bool) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		if required {
			return "", Invalid("missing required config %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", Invalid("config %q must be a string, got %T", key, v)
	}
	if required && s == "" {
		return "", Invalid("config %q must not be empty", key)
	}
	return s, nil
}

// Int returns cfg[key] as an int, or def when absent.
func Int(cfg engine.Config, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, Invalid("config %q must be an integer", key)
		}
		return int(n), nil
	default:
		return 0, Invalid("config %q must be a number, got %T", key, v)
	}
}

// Duration accepts a Go duration string ("250ms") or a number of
// milliseconds.
func Duration(cfg engine.Config, key string, def time.Duration) (time.Duration, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, Invalid("config %q is not a duration: %s", key, s)
		}
		if d < 0 {
			return 0, Invalid("config %q must not be negative", key)
		}
		return d, nil
	}
	ms, err := Int(cfg, key, 0)
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, Invalid("config %q must not be negative", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// StringMap returns cfg[key] as a map of strings.
func StringMap(cfg engine.Config, key string) (map[string]string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, Invalid("config %q must be a map, got %T", key, v)
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			return nil, Invalid("config %q value for %q must be a string", key, k)
		}
		out[k] = s
	}
	return out, nil
}

// StringList returns cfg[key] as a list of strings.
func StringList(cfg engine.Config, key string) ([]string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, Invalid("config %q must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, Invalid("config %q must be a list, got %T", key, v)
	}
}

// Copy copies input so callers never share a map with the engine.
func Copy(input engine.Output) engine.Output {
	out := make(engine.Output, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

// Bool returns cfg[key] as a bool, or def when absent.
func Bool(cfg engine.Config, key string, def bool) (bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, Invalid("config %q must be a boolean, got %T", key, v)
	}
	return b, nil
}
