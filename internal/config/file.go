package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// mergedEnvironment builds the lookup map for env.ParseWithOptions: values
// from the YAML file named by CONFIG_FILE, overridden by real environment
// variables. File keys use the same names as the env tags; unknown keys are
// rejected so typos fail loudly at startup.
func mergedEnvironment() (map[string]string, error) {
	merged := map[string]string{}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fromFile, err := loadFileValues(path)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			merged[k] = v
		}
	}

	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	return merged, nil
}

func loadFileValues(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	known := knownKeys()
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(k)
		if !known[key] {
			return nil, fmt.Errorf("config file %s: unknown option %q", path, k)
		}
		out[key] = stringify(v)
	}
	return out, nil
}

// knownKeys harvests every env tag declared on Config.
func knownKeys() map[string]bool {
	keys := map[string]bool{}
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("env"); tag != "" {
			keys[strings.Split(tag, ",")[0]] = true
		}
	}
	return keys
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, stringify(e))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}
