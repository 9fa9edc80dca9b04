package assembly

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const maxWorkspaceAttempts = 10

// Workspace is a transient directory owned by one pipeline run.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a uniquely named directory under root, retrying on
// name collisions.
func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	for i := 0; i < maxWorkspaceAttempts; i++ {
		dir := filepath.Join(root, "delivery-"+uuid.NewString()[:8])
		err := os.Mkdir(dir, 0o700)
		if err == nil {
			return &Workspace{Dir: dir}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	return nil, fmt.Errorf("create workspace: no free name after %d attempts", maxWorkspaceAttempts)
}

func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Release deletes every file in the workspace and then the directory.
func (w *Workspace) Release() ([]string, error) {
	entries, err := os.ReadDir(w.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, os.RemoveAll(w.Dir)
	}
	removed := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := os.RemoveAll(w.Path(e.Name())); err != nil {
			return removed, err
		}
		removed = append(removed, e.Name())
	}
	return removed, os.Remove(w.Dir)
}
