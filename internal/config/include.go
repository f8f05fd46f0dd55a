package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// includeResolver reads a JSON config file, merging the files named by its
// "$include" key underneath it. Later includes win over earlier ones and
// the including file wins over all of them.
type includeResolver struct {
	stack map[string]bool
}

func newIncludeResolver() *includeResolver {
	return &includeResolver{stack: map[string]bool{}}
}

func (r *includeResolver) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r.stack[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	r.stack[abs] = true
	defer delete(r.stack, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}

	merged := map[string]any{}
	includes, err := includeList(raw["$include"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		child, err := r.load(inc)
		if err != nil {
			return nil, err
		}
		mergeInto(merged, child)
	}
	delete(raw, "$include")
	mergeInto(merged, expandEnv(raw).(map[string]any))
	return merged, nil
}

func includeList(v any) ([]string, error) {
	var items []any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{t}
	case []any:
		items = t
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
	var out []string
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("$include entries must be strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// mergeInto copies src over dst, recursing where both sides are objects.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcObj, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		dstObj, ok := dst[k].(map[string]any)
		if !ok {
			dstObj = map[string]any{}
			dst[k] = dstObj
		}
		mergeInto(dstObj, srcObj)
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-fallback} in every string value.
// An unset variable without a fallback is left verbatim.
func expandEnv(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = expandEnv(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = expandEnv(item)
		}
		return t
	case string:
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			m := envRef.FindStringSubmatch(ref)
			if val, ok := os.LookupEnv(m[1]); ok {
				return val
			}
			if m[2] != "" {
				return m[3]
			}
			return ref
		})
	default:
		return v
	}
}
