package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dirPrefix = "run-"

// Workspace is the per-execution directory holding one source file.
type Workspace struct {
	Root       string
	SourcePath string
}

// Manager provisions workspaces under a shared root directory.
type Manager struct {
	root string
}

// NewManager creates the root directory if needed.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "runbox")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.root
}

// Provision creates a fresh directory and writes source to fileName inside it.
func (m *Manager) Provision(source, fileName string) (*Workspace, error) {
	if fileName == "" || fileName != filepath.Base(fileName) || strings.ContainsAny(fileName, `/\`) || fileName == ".." || fileName == "." {
		return nil, fmt.Errorf("invalid source file name %q", fileName)
	}

	dir := filepath.Join(m.root, dirPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	ws := &Workspace{
		Root:       dir,
		SourcePath: filepath.Join(dir, fileName),
	}

	// The sandbox user is unprivileged and writes build outputs next to the source.
	if err := os.Chmod(dir, 0o777); err != nil {
		ws.Dispose()
		return nil, fmt.Errorf("opening workspace permissions: %w", err)
	}
	if err := os.WriteFile(ws.SourcePath, []byte(source), 0o644); err != nil {
		ws.Dispose()
		return nil, fmt.Errorf("writing source file: %w", err)
	}
	return ws, nil
}

// Dispose removes the workspace tree. It is safe to call more than once.
func (w *Workspace) Dispose() error {
	if err := os.RemoveAll(w.Root); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing workspace %s: %w", w.Root, err)
	}
	return nil
}

// Sweep removes workspace directories older than age, left behind by a
// process that died mid-execution. It returns how many were removed.
func (m *Manager) Sweep(age time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("reading workspace root: %w", err)
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
