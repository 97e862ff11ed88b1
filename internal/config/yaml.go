package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// toJSON turns a JSON or YAML config file into JSON for the strict decoder.
// "${NAME}" inside string values is replaced by the environment variable so
// broker passwords and the admin token can stay out of the file. A bare "$"
// is left alone.
func toJSON(path string, data []byte) ([]byte, error) {
	var v any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	default:
		if !envRef.Match(data) {
			return data, nil
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return json.Marshal(walk(v))
}

// walk stringifies map keys and expands env references in string leaves.
func walk(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = walk(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = walk(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = walk(x[i])
		}
		return x
	case string:
		return envRef.ReplaceAllStringFunc(x, func(ref string) string {
			return os.Getenv(ref[2 : len(ref)-1])
		})
	default:
		return in
	}
}
