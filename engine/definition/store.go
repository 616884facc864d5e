// Package definition persists workflow definition documents. Each workflow
// source owns one blob, addressed by a relative path such as code/orders.yaml.
package definition

import (
	"context"
	"path"
	"strings"

	"github.com/flowplane/flowplane/engine/core"
)

// Store is a strongly consistent put/get/delete blob store. Put returns an
// opaque location that Get and Delete accept.
type Store interface {
	Put(ctx context.Context, p string, data []byte) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error
}

// cleanPath validates a relative blob path.
func cleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", core.Errorf(core.ErrValidation, "definition path is required")
	}
	if strings.HasPrefix(p, "/") {
		return "", core.Errorf(core.ErrValidation, "definition path %q must be relative", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", core.Errorf(core.ErrValidation, "definition path %q escapes the store root", p)
	}
	return cleaned, nil
}
