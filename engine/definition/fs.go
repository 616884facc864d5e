package definition

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const fsScheme = "file://"

// FSStore keeps definitions under a root directory of an afero filesystem.
// Writes go to a temp file first and are renamed into place.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore creates a store rooted at root on fs.
func NewFSStore(fs afero.Fs, root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("definition store root cannot be empty")
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, core.NewError(core.ErrDefinitionStoreUnavailable, "create root", err)
	}
	return &FSStore{fs: fs, root: root}, nil
}

// NewOSStore is an FSStore on the local disk.
func NewOSStore(root string) (*FSStore, error) {
	return NewFSStore(afero.NewOsFs(), root)
}

// NewMemStore is an FSStore on an in-memory filesystem.
func NewMemStore() *FSStore {
	s, err := NewFSStore(afero.NewMemMapFs(), "/definitions")
	if err != nil {
		panic(err)
	}
	return s
}

func (s *FSStore) Put(_ context.Context, p string, data []byte) (string, error) {
	rel, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	target := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", core.NewError(core.ErrDefinitionStoreUnavailable, "create directory", err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", target, uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return "", core.NewError(core.ErrDefinitionStoreUnavailable, "write "+rel, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return "", core.NewError(core.ErrDefinitionStoreUnavailable, "rename "+rel, err)
	}
	return fsScheme + rel, nil
}

func (s *FSStore) Get(_ context.Context, location string) ([]byte, error) {
	target, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.Errorf(core.ErrNotFound, "definition %s", location)
		}
		return nil, core.NewError(core.ErrDefinitionStoreUnavailable, "read "+location, err)
	}
	return data, nil
}

func (s *FSStore) Delete(_ context.Context, location string) error {
	target, err := s.resolve(location)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return core.Errorf(core.ErrNotFound, "definition %s", location)
		}
		return core.NewError(core.ErrDefinitionStoreUnavailable, "delete "+location, err)
	}
	return nil
}

func (s *FSStore) resolve(location string) (string, error) {
	if !strings.HasPrefix(location, fsScheme) {
		return "", core.Errorf(core.ErrValidation, "location %q is not a file location", location)
	}
	rel, err := cleanPath(strings.TrimPrefix(location, fsScheme))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(path.Clean(rel))), nil
}
