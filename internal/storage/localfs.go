package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is returned when a path that needs local file locking
// resolves to a network mount.
var ErrNetworkFilesystem = errors.New("path is on a network filesystem")

var errFSDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// CheckLocal verifies that path, or its nearest existing parent, lives on a
// local filesystem. what names the file in the error, e.g. "state database".
// Platforms without filesystem detection pass unchecked.
func CheckLocal(path, what string) error {
	return checkLocalWith(path, what, filesystemType)
}

func checkLocalWith(path, what string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", what)
	}

	existing, err := nearestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", what, path, err)
	}

	fsType, err := detect(existing)
	if errors.Is(err, errFSDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("%w: %s %q is on %q; file locking needs a local disk", ErrNetworkFilesystem, what, path, fsType)
	}
	return nil
}

func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for candidate := abs; ; {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
