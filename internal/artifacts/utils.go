package artifacts

import (
	"errors"
	"path/filepath"
	"strings"
)

// FileURI renders path as a file:// URI with forward slashes.
func FileURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}

// PathFromURI converts a file:// URI back to a host path.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("not a file:// URI")
	}
	return filepath.FromSlash(strings.TrimPrefix(uri, "file://")), nil
}
