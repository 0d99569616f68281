package pin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoVerifier indicates that no verifier file exists at the given path.
var ErrNoVerifier = errors.New("pin verifier not found")

// LoadVerifier reads an encoded verifier from path. A corrupt file is
// reported at load time rather than on first use.
func LoadVerifier(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoVerifier
	}
	if err != nil {
		return "", fmt.Errorf("read verifier: %w", err)
	}

	encoded := strings.TrimSpace(string(data))
	if encoded == "" {
		return "", ErrNoVerifier
	}
	if _, _, _, err := decode(encoded); err != nil {
		return "", err
	}
	return encoded, nil
}

// SaveVerifier writes the encoded verifier to path with 0600 permissions.
// The write goes through a temporary file in the same directory followed
// by an atomic rename, so a crash never leaves a partial verifier.
func SaveVerifier(path, encoded string) error {
	if _, _, _, err := decode(encoded); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".verifier-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(encoded + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write verifier: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync verifier: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close verifier: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename verifier: %w", err)
	}
	return nil
}
