package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts a YAML or JSON config to JSON bytes so one strict
// JSON decoder (DisallowUnknownFields) serves both formats. Files without a
// .json extension are read as YAML, which also accepts plain JSON.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	format := "yaml"
	var v any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, format, fmt.Errorf("json unmarshal: %w", err)
		}
		if dec.More() {
			return nil, format, fmt.Errorf("json: trailing data")
		}
	} else if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}

	v = normalizeYAML(v)
	if m, ok := v.(map[string]any); ok {
		migrateLegacyKeys(m)
	}

	j, err := json.Marshal(v)
	if err != nil {
		return nil, format, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, format, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// legacyKeys maps the flat keys of older config files to their nested
// location. A key is only moved when the new location is unset.
var legacyKeys = map[string][]string{
	"api_token":      {"telegram", "token"},
	"loglevel":       {"logging", "level"},
	"max_distance":   {"max_distance_km"},
	"server_address": {"push", "address"},
	"server_port":    {"push", "port"},
}

func migrateLegacyKeys(root map[string]any) {
	for old, path := range legacyKeys {
		val, ok := root[old]
		if !ok {
			continue
		}
		delete(root, old)

		m := root
		for _, k := range path[:len(path)-1] {
			next, ok := m[k].(map[string]any)
			if !ok {
				if _, taken := m[k]; taken {
					m = nil
					break
				}
				next = map[string]any{}
				m[k] = next
			}
			m = next
		}
		if m == nil {
			continue
		}
		last := path[len(path)-1]
		if _, set := m[last]; !set {
			m[last] = val
		}
	}
}
