package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// tree returns cfg as nested maps keyed by the JSON field names.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath returns the value at a dotted path such as "telegram.pollTimeout".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	var current any = m
	for _, key := range strings.Split(path, ".") {
		section, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s is not a section", key)
		}
		if current, ok = section[key]; !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return current, nil
}

// SetByPath assigns value at a dotted path. String values are converted to
// bool or number when they parse as one. Unknown keys and values of the
// wrong type are rejected and cfg is left unchanged.
func SetByPath(cfg *Config, path string, value any) error {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return fmt.Errorf("path must name a section and a key: %q", path)
	}
	m, err := tree(cfg)
	if err != nil {
		return err
	}

	section := m
	for _, key := range parts[:len(parts)-1] {
		next, ok := section[key].(map[string]any)
		if !ok {
			if _, exists := section[key]; exists {
				return fmt.Errorf("%s is not a section", key)
			}
			next = make(map[string]any)
			section[key] = next
		}
		section = next
	}
	section[parts[len(parts)-1]] = parseValue(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var updated Config
	if err := dec.Decode(&updated); err != nil {
		return fmt.Errorf("cannot set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// parseValue converts CLI strings to bool or number where possible.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of cfg with the bot token and API key masked.
func Sanitize(cfg *Config) *Config {
	masked := *cfg
	if masked.Telegram.Token != "" {
		masked.Telegram.Token = maskString(masked.Telegram.Token)
	}
	if masked.HTTP.APIKey != "" {
		masked.HTTP.APIKey = maskString(masked.HTTP.APIKey)
	}
	return &masked
}

// maskString keeps the first and last 4 characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", m, result)
	return result
}

func flatten(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if section, ok := v.(map[string]any); ok {
			flatten(path, section, result)
			continue
		}
		result[path] = v
	}
}
