// Package funnel defines conversion funnels and computes stage progression
// over per-user event journeys. Funnels are declared in YAML files, loaded
// once at startup, and fingerprinted for staleness detection.
package funnel

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is a named, ordered list of event types. A user progresses to
// stage k only after completing stages 1..k-1 in order.
type Definition struct {
	Name        string   `yaml:"name"`
	Stages      []string `yaml:"stages"`
	Fingerprint string   // SHA-256 of the raw YAML file; computed at load time
}

// rawDefinition is the on-disk YAML shape. One funnel per file.
type rawDefinition struct {
	Name   string   `yaml:"name"`
	Stages []string `yaml:"stages"`
}

// LoadDefinitions loads all *.yaml funnel files from dir. A missing directory
// is valid (zero funnels configured). Returns definitions sorted by name.
func LoadDefinitions(dir string) ([]Definition, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("funnel config dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("funnel config path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading funnel config dir: %w", err)
	}

	byName := make(map[string]Definition)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading funnel file %s: %w", path, err)
		}

		var raw rawDefinition
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing funnel file %s: %w", path, err)
		}
		if raw.Name == "" {
			continue // skip empty / comment-only files
		}

		if len(raw.Stages) < 2 {
			return nil, fmt.Errorf("funnel %q: needs at least 2 stages", raw.Name)
		}
		seen := make(map[string]bool, len(raw.Stages))
		for i, stage := range raw.Stages {
			if strings.TrimSpace(stage) == "" {
				return nil, fmt.Errorf("funnel %q: stage %d is empty", raw.Name, i+1)
			}
			if seen[stage] {
				return nil, fmt.Errorf("funnel %q: duplicate stage %q", raw.Name, stage)
			}
			seen[stage] = true
		}

		if _, exists := byName[raw.Name]; exists {
			return nil, fmt.Errorf("funnel %q: duplicate funnel name (check multiple YAML files)", raw.Name)
		}

		byName[raw.Name] = Definition{
			Name:        raw.Name,
			Stages:      raw.Stages,
			Fingerprint: fmt.Sprintf("%x", sha256.Sum256(data)),
		}
	}

	defs := make([]Definition, 0, len(byName))
	for _, def := range byName {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}
