package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Get returns the effective value at a dotted path such as "model.name".
// Environment overrides and defaults are included.
func Get(path string) (any, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	keys, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
		if cur, ok = obj[k]; !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
	}
	return cur, nil
}

// Set writes a value at a dotted path into the config file. The value is
// parsed as JSON when possible and kept as a string otherwise. The result
// must still decode into Config.
func Set(path, rawValue string) error {
	keys, err := splitPath(path)
	if err != nil {
		return err
	}
	if err := checkKnownPath(keys); err != nil {
		return err
	}
	file, cfgPath, err := loadFileMap()
	if err != nil {
		return err
	}
	obj := file
	for _, k := range keys[:len(keys)-1] {
		child, ok := obj[k].(map[string]any)
		if !ok {
			child = map[string]any{}
			obj[k] = child
		}
		obj = child
	}
	obj[keys[len(keys)-1]] = parseValue(rawValue)

	if err := json.Unmarshal(mustMarshal(file), DefaultConfig()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	return writeFileMap(cfgPath, file)
}

// Unset removes a dotted path from the config file.
func Unset(path string) error {
	keys, err := splitPath(path)
	if err != nil {
		return err
	}
	file, cfgPath, err := loadFileMap()
	if err != nil {
		return err
	}
	obj := file
	for _, k := range keys[:len(keys)-1] {
		child, ok := obj[k].(map[string]any)
		if !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		obj = child
	}
	last := keys[len(keys)-1]
	if _, ok := obj[last]; !ok {
		return fmt.Errorf("path not found: %s", path)
	}
	delete(obj, last)
	return writeFileMap(cfgPath, file)
}

func splitPath(path string) ([]string, error) {
	var keys []string
	for _, k := range strings.Split(strings.TrimSpace(path), ".") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("path is empty")
	}
	return keys, nil
}

// checkKnownPath rejects paths whose group does not exist, catching typos
// that would otherwise be ignored on load.
func checkKnownPath(keys []string) error {
	defaults, err := toMap(DefaultConfig())
	if err != nil {
		return err
	}
	if _, ok := defaults[keys[0]]; !ok {
		return fmt.Errorf("unknown config group %q", keys[0])
	}
	return nil
}

func toMap(cfg *Config) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(mustMarshal(cfg), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func loadFileMap() (map[string]any, string, error) {
	cfgPath, err := ConfigPath()
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, cfgPath, nil
		}
		return nil, "", err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", cfgPath, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, cfgPath, nil
}

func writeFileMap(cfgPath string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cfgPath, data, 0o600)
}
