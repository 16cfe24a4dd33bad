package setup

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/cochaviz/peforge/internal/fault"
)

// EnvFileName is the tool environment file kept in the user config directory.
const EnvFileName = "tools.env"

// DefaultEnvFile returns the per-user tool environment file, or "" when the
// config directory is unknown.
func DefaultEnvFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "peforge", EnvFileName)
}

// RootVariables are the kit roots persisted to the environment file.
var RootVariables = []string{"PEFORGE_ADK_ROOT", "WinPERoot", "DandIRoot"}

// SaveEnv writes values to path, replacing the file. Empty values are skipped.
func SaveEnv(path string, values map[string]string) error {
	if path == "" {
		return fault.New(fault.Configuration, "setup.save", "no environment file path")
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if v != "" {
			out[k] = v
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrapf(fault.Configuration, "setup.save", err, "create %s", filepath.Dir(path))
	}
	if err := godotenv.Write(out, path); err != nil {
		return fault.Wrapf(fault.Configuration, "setup.save", err, "write %s", path)
	}
	getLogger().Info("saved tool environment", "path", path, "variables", len(out))
	return nil
}

// LoadEnv reads path without touching the process environment. A missing file
// yields an empty map.
func LoadEnv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fault.Wrapf(fault.Configuration, "setup.load", err, "read %s", path)
	}
	return values, nil
}

// ClearEnv removes the environment file.
func ClearEnv(path string) error {
	getLogger().Info("clearing tool environment", "path", path)

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.Wrapf(fault.Configuration, "setup.clear", err, "remove %s", path)
	}
	return nil
}
