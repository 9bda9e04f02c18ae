package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// remoteFS lists filesystem types on which SQLite file locking is unreliable.
var remoteFS = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// requireLocalFS rejects database paths that live on a network mount. probe
// reports the filesystem type of an existing path.
func requireLocalFS(path string, probe func(string) (string, error)) error {
	existing, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	kind, err := probe(existing)
	if err != nil {
		// Unknown platforms and odd mounts are allowed through.
		return nil
	}
	if slices.Contains(remoteFS, strings.ToLower(strings.TrimSpace(kind))) {
		return fmt.Errorf("database path %q is on network filesystem %q; set state.path to a local file", path, kind)
	}
	return nil
}

// existingAncestor walks up from path to the first component that exists.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}
