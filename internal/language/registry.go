package language

import (
	"errors"
	"fmt"
	"sort"
)

var ErrNotFound = errors.New("language not found")

// Registry maps language ids and aliases to their configs.
// It is built once and never mutated, so it is safe for concurrent use.
type Registry struct {
	configs map[string]Config // id → config
	index   map[string]string // id or alias → id
}

// NewRegistry validates the configs and builds a registry from them.
func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{
		configs: make(map[string]Config, len(configs)),
		index:   make(map[string]string, len(configs)*2),
	}

	for _, c := range configs {
		c.ID = normalize(c.ID)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.index[c.ID]; exists {
			return nil, fmt.Errorf("duplicate language %q", c.ID)
		}
		r.configs[c.ID] = c
		r.index[c.ID] = c.ID
	}

	for _, c := range r.configs {
		for _, alias := range c.Aliases {
			alias = normalize(alias)
			if alias == "" {
				continue
			}
			if owner, exists := r.index[alias]; exists && owner != c.ID {
				return nil, fmt.Errorf("alias %q of %q already used by %q", alias, c.ID, owner)
			}
			r.index[alias] = c.ID
		}
	}

	if len(r.configs) == 0 {
		return nil, fmt.Errorf("at least one language must be registered")
	}
	return r, nil
}

// Lookup resolves a language id or alias.
func (r *Registry) Lookup(id string) (Config, error) {
	key, ok := r.index[normalize(id)]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.configs[key], nil
}

// List returns every config sorted by id.
func (r *Registry) List() []Config {
	out := make([]Config, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Images returns the distinct sandbox images, sorted.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, c := range r.configs {
		if !seen[c.Image] {
			seen[c.Image] = true
			images = append(images, c.Image)
		}
	}
	sort.Strings(images)
	return images
}

// FileNames returns the source file name of every language.
func (r *Registry) FileNames() []string {
	names := make([]string, 0, len(r.configs))
	for _, c := range r.List() {
		names = append(names, c.FileName)
	}
	return names
}
