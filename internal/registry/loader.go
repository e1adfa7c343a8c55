package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// LoadAgentDir registers every agent document found directly under dir
// (spec §6.2 "textual, human-editable... sources"; startup loading path
// for the application root, spec §9). Files are processed in name order
// so a directory of numbered definitions loads deterministically; a
// parse/validation failure on one file stops loading at that file and is
// returned together with the ids loaded so far. Documents registered
// before the failing file stay registered; later files are not read.
func (r *Registry) LoadAgentDir(dir string) ([]string, error) {
	return r.loadDir(dir, r.ImportFromText)
}

// LoadSkillDir registers every skill document found directly under dir
// (spec §4.4, §6.2).
func (r *Registry) LoadSkillDir(dir string) ([]string, error) {
	return r.loadDir(dir, func(text []byte, format Format) (string, error) {
		var skill SkillDefinition
		var err error
		switch format {
		case FormatJSON5:
			err = json5.Unmarshal(text, &skill)
		default:
			err = yaml.Unmarshal(text, &skill)
		}
		if err != nil {
			return "", fmt.Errorf("%w: parse: %v", ErrValidation, err)
		}
		if regErr := r.RegisterSkill(skill); regErr != nil {
			return "", regErr
		}
		return skill.Name, nil
	})
}

func (r *Registry) loadDir(dir string, load func([]byte, Format) (string, error)) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: read dir %s: %w", dir, err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		format, ok := formatForExt(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		text, err := os.ReadFile(path)
		if err != nil {
			return ids, fmt.Errorf("registry: read %s: %w", path, err)
		}
		id, err := load(text, format)
		if err != nil {
			return ids, fmt.Errorf("registry: load %s: %w", path, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatForExt(name string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json5", ".json":
		return FormatJSON5, true
	default:
		return "", false
	}
}
