package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// RuleSet is a named bundle of rules loaded from disk, so policy changes
// ship without a code deployment.
type RuleSet struct {
	Version string `yaml:"version" json:"version"`
	Name    string `yaml:"name" json:"name"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// LoadRuleSet reads and parses one YAML bundle.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}

	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	if set.Name == "" {
		set.Name = filepath.Base(path)
	}
	for i, r := range set.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("bundle %s: rule %d has no name", set.Name, i)
		}
		if r.Expression == "" {
			return nil, fmt.Errorf("bundle %s: rule %q has no expression", set.Name, r.Name)
		}
	}
	return &set, nil
}

// LoadDir loads every *.yaml and *.yml bundle under dir into the gate and
// returns how many rules were added. Bundles load in lexical order so
// startup is reproducible; a bundle that fails to parse or compile aborts
// the load, consistent with the gate failing closed.
func LoadDir(g *Gate, dir string) (int, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		set, err := LoadRuleSet(path)
		if err != nil {
			return loaded, err
		}
		for _, r := range set.Rules {
			if err := g.AddRule(r); err != nil {
				return loaded, fmt.Errorf("bundle %s: %w", set.Name, err)
			}
			loaded++
		}
	}
	return loaded, nil
}
