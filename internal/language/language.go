package language

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config describes how to run one language inside a sandbox image.
type Config struct {
	ID         string        `yaml:"id" json:"id"`
	Name       string        `yaml:"name" json:"name"`
	Aliases    []string      `yaml:"aliases" json:"aliases,omitempty"`
	FileName   string        `yaml:"file_name" json:"fileName"`
	Image      string        `yaml:"image" json:"image"`
	RunCommand string        `yaml:"run_command" json:"runCommand"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout,omitempty"` // overrides the global limit when set
}

// Validate checks the fields every registered config must have.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("language config missing id")
	}
	if c.FileName == "" {
		return fmt.Errorf("language %q: missing file name", c.ID)
	}
	if c.FileName != filepath.Base(c.FileName) || strings.ContainsAny(c.FileName, `/\`) || c.FileName == ".." {
		return fmt.Errorf("language %q: file name %q must be a bare file name", c.ID, c.FileName)
	}
	if c.Image == "" {
		return fmt.Errorf("language %q: missing image", c.ID)
	}
	if c.RunCommand == "" {
		return fmt.Errorf("language %q: missing run command", c.ID)
	}
	if !strings.Contains(c.RunCommand, c.FileName) {
		return fmt.Errorf("language %q: run command %q does not reference %s", c.ID, c.RunCommand, c.FileName)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("language %q: negative timeout", c.ID)
	}
	return nil
}

// Extension returns the source file extension without the dot.
func (c Config) Extension() string {
	return strings.TrimPrefix(filepath.Ext(c.FileName), ".")
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
