package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one action in a remediation recipe. Mutating steps carry the
// operation/resource pair the approval protocol classifies.
type Step struct {
	Name      string                 `yaml:"name"`
	Tool      string                 `yaml:"tool"`
	Args      map[string]interface{} `yaml:"args"`
	Mutating  bool                   `yaml:"mutating"`
	Operation string                 `yaml:"operation"`
	Resource  string                 `yaml:"resource"`
	Rollback  string                 `yaml:"rollback"`
}

// Skill is a declarative multi-step remediation recipe.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Match       []string `yaml:"match"`
	Steps       []Step   `yaml:"steps"`
}

type skillFile struct {
	Skills []Skill `yaml:"skills"`
}

// Load reads a skill pack from a YAML file. An empty or missing path yields
// no skills; that just disables remediation.
func Load(path string) ([]Skill, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("skills: read %s: %w", path, err)
	}
	var f skillFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("skills: parse %s: %w", path, err)
	}
	for _, s := range f.Skills {
		if s.Name == "" {
			return nil, fmt.Errorf("skills: %s contains a skill without a name", path)
		}
		for _, step := range s.Steps {
			if step.Tool == "" {
				return nil, fmt.Errorf("skills: %s step %q names no tool", s.Name, step.Name)
			}
			if step.Mutating && step.Operation == "" {
				return nil, fmt.Errorf("skills: %s mutating step %q names no operation", s.Name, step.Name)
			}
		}
	}
	return f.Skills, nil
}

// LoadDir loads every *.yaml and *.yml pack under dir. A missing directory
// yields no skills.
func LoadDir(dir string) ([]Skill, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("skills: read dir %s: %w", dir, err)
	}
	var all []Skill
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		loaded, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, loaded...)
	}
	return all, nil
}

// Match returns the skill whose keywords best match the confirmed root cause,
// or nil when nothing matches.
func Match(available []Skill, rootCause string) *Skill {
	text := strings.ToLower(rootCause)
	var best *Skill
	bestHits := 0
	for i := range available {
		hits := 0
		for _, kw := range available[i].Match {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = &available[i]
		}
	}
	return best
}
