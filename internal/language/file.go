package language

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overridesFile is the on-disk shape of a languages file.
type overridesFile struct {
	Languages []Config `yaml:"languages"`
}

// LoadFile reads a YAML languages file and returns a registry where its
// entries replace built-in ones with the same id and add the rest.
func LoadFile(path string, base []Config) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading languages file %s: %w", path, err)
	}

	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing languages file %s: %w", path, err)
	}

	return NewRegistry(Merge(base, f.Languages)...)
}

// Merge overlays overrides onto base by id, keeping base order first.
func Merge(base, overrides []Config) []Config {
	pos := make(map[string]int, len(base))
	out := make([]Config, 0, len(base)+len(overrides))
	for _, c := range base {
		pos[normalize(c.ID)] = len(out)
		out = append(out, c)
	}
	for _, c := range overrides {
		if i, ok := pos[normalize(c.ID)]; ok {
			out[i] = c
			continue
		}
		pos[normalize(c.ID)] = len(out)
		out = append(out, c)
	}
	return out
}
