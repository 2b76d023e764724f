package pathutil

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// HomeDir obtains the path to the user's home directory. It falls back to
// the working directory if none can be determined.
func HomeDir() string {
	home, err := homedir.Dir()
	if err != nil {
		log.WithError(err).Warn("Failed to determine home directory")
		wd, _ := os.Getwd() // nolint: errcheck
		return wd
	}
	return home
}

// Expand expands a leading "~" in path to the user's home directory.
func Expand(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		log.WithError(err).Warnf("Failed to expand %s", path)
		return path
	}
	return expanded
}

// EnsureDir creates the directory at path unless it exists and returns its
// absolute path.
func EnsureDir(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to expand path")
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		if err := os.MkdirAll(absPath, 0750); err != nil {
			return "", errors.Wrap(err, "failed to create dir")
		}
	}
	return absPath, nil
}
