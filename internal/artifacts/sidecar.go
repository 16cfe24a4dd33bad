package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SidecarStore leaves artifacts where they were produced and records them in
// files next to them: <path>.sha256 and <path>.json.
type SidecarStore struct {
	// Now is used for CreatedAt; nil means time.Now.
	Now func() time.Time
}

// StoreArtifact checksums artifactPath and writes its sidecar files.
func (store *SidecarStore) StoreArtifact(artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	info, err := os.Stat(artifactPath)
	if err != nil {
		return Artifact{}, err
	}
	if !info.Mode().IsRegular() {
		return Artifact{}, fmt.Errorf("%s is not a regular file", artifactPath)
	}

	sum, err := FileChecksum(artifactPath)
	if err != nil {
		return Artifact{}, err
	}

	now := time.Now
	if store.Now != nil {
		now = store.Now
	}
	artifact := Artifact{
		ID:          uuid.NewString(),
		Kind:        kind,
		URI:         FileURI(artifactPath),
		Size:        info.Size(),
		Checksum:    &sum,
		ContentType: detectContentType(artifactPath),
		CreatedAt:   now().UTC(),
		Metadata:    cloneMetadata(metadata),
	}

	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(artifactPath))
	if err := os.WriteFile(ChecksumPath(artifactPath), []byte(line), 0o644); err != nil {
		return Artifact{}, err
	}
	if err := writeMetadata(artifactPath, artifact); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

// RemoveArtifact deletes the artifact file and its sidecars.
func (store *SidecarStore) RemoveArtifact(artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}
	return RemoveWithSidecars(path)
}

// RemoveWithSidecars deletes path and any sidecar files recorded for it.
func RemoveWithSidecars(path string) error {
	for _, p := range []string{path, ChecksumPath(path), MetadataPath(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the metadata document recorded for path.
func Load(path string) (Artifact, error) {
	data, err := os.ReadFile(MetadataPath(path))
	if err != nil {
		return Artifact{}, err
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("parse %s: %w", MetadataPath(path), err)
	}
	return artifact, nil
}

// Verify recomputes the checksum of path and compares it with the recorded one.
func Verify(path string) error {
	artifact, err := Load(path)
	if err != nil {
		return err
	}
	if artifact.Checksum == nil {
		return fmt.Errorf("%s has no recorded checksum", path)
	}
	sum, err := FileChecksum(path)
	if err != nil {
		return err
	}
	if sum != *artifact.Checksum {
		return fmt.Errorf("checksum mismatch for %s: recorded %s, actual %s", path, *artifact.Checksum, sum)
	}
	return nil
}

// FileChecksum returns the hex SHA-256 of path.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(MetadataPath(filePath), payload, 0o644)
}

// MetadataPath is the JSON record written next to path.
func MetadataPath(path string) string {
	return path + ".json"
}

// ChecksumPath is the checksum file written next to path.
func ChecksumPath(path string) string {
	return path + ".sha256"
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".iso":
		return "application/x-iso9660-image"
	case ".wim":
		return "application/x-ms-wim"
	case ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
