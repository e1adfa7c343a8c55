// Package config loads the orchestratord process configuration:
// declarative YAML (with an optional json5 fallback) with `$include`
// directive resolution and `${VAR}` environment-variable expansion,
// grounded directly on the teacher's internal/config/loader.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads a configuration file into a merged raw map, resolving
// `$include` directives and expanding `${VAR}`/`$VAR` environment
// references before parsing (the `$include` key itself is not expanded).
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	return loadRawRecursive(path, map[string]bool{})
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config: include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	// Expand environment references, but keep the $include key literal:
	// plain os.ExpandEnv would read it as a reference to $include and
	// replace it before extractIncludes could see it.
	expanded := os.Expand(string(data), func(name string) string {
		if "$"+name == includeKey {
			return includeKey
		}
		return os.Getenv(name)
	})
	raw, err := parseRawBytes([]byte(expanded), absPath)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if len(includes) > 0 {
		baseDir := filepath.Dir(absPath)
		for _, inc := range includes {
			if strings.TrimSpace(inc) == "" {
				continue
			}
			incPath := inc
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(baseDir, incPath)
			}
			incRaw, err := loadRawRecursive(incPath, seen)
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, incRaw)
		}
	}
	return mergeMaps(merged, raw), nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	format := strings.ToLower(filepath.Ext(pathHint))
	raw := map[string]any{}
	if format == ".json5" || format == ".json" {
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", pathHint, err)
		}
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", pathHint, err)
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	v, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("config: %s entries must be strings", includeKey)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config: %s must be a string or list of strings", includeKey)
	}
}

// mergeMaps merges src into dst recursively, with src values taking
// precedence (so the including document can override an included one).
func mergeMaps(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if existing, ok := dst[k]; ok {
			if existingMap, ok1 := existing.(map[string]any); ok1 {
				if newMap, ok2 := v.(map[string]any); ok2 {
					dst[k] = mergeMaps(existingMap, newMap)
					continue
				}
			}
		}
		dst[k] = v
	}
	return dst
}
