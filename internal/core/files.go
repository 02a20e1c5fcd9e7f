package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic replaces path with contents by writing a temporary file in
// the same directory and renaming it over the original.
func WriteFileAtomic(path string, contents []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
