package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses data as JSON, or as YAML when name ends in .yaml/.yml.
// Unknown fields and trailing data are rejected.
func Decode(name string, data []byte) (*Config, error) {
	if isYAML(name) {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("config: trailing data")
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so both formats go through
// the same strict decoder.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	doc, err := jsonSafe(doc, "")
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	return out, nil
}

// jsonSafe rewrites YAML values into JSON-encodable ones. Mapping keys must
// be strings; every config field is named.
func jsonSafe(v any, at string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			conv, err := jsonSafe(e, join(at, k))
			if err != nil {
				return nil, err
			}
			x[k] = conv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("config: yaml: non-string key %v under %q", k, at)
			}
			conv, err := jsonSafe(e, join(at, ks))
			if err != nil {
				return nil, err
			}
			m[ks] = conv
		}
		return m, nil
	case []any:
		for i, e := range x {
			conv, err := jsonSafe(e, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			x[i] = conv
		}
		return x, nil
	default:
		return v, nil
	}
}

func join(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}
