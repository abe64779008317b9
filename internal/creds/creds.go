// Package creds manages the per-instance credential directories the
// transport authenticates from. Each instance owns one directory under the
// configured base; the presence of auth.json marks a registered login.
package creds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const authFile = "auth.json"

// ErrUnsafeID is returned for instance ids that could resolve outside the
// store's base directory.
var ErrUnsafeID = errors.New("unsafe instance id")

// safeID rejects ids that contain path separators or dot segments. Every
// filesystem operation in this package keys on the id, so this is the last
// line of defense against an id escaping the base directory.
func safeID(id string) bool {
	if id == "" || id == "." {
		return false
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return false
	}
	return true
}

// Store hands out credential directories rooted at a single base path.
type Store struct {
	base string
}

func NewStore(base string) *Store {
	return &Store{base: base}
}

// Dir ensures the instance's credential directory exists and returns it.
func (s *Store) Dir(id string) (string, error) {
	if !safeID(id) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeID, id)
	}
	dir := filepath.Join(s.base, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating credential dir for %s: %w", id, err)
	}
	return dir, nil
}

// Exists reports whether the instance has registered credential material,
// meaning a previous login completed and a restore can be attempted.
func (s *Store) Exists(id string) bool {
	if !safeID(id) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.base, id, authFile))
	return err == nil
}

// Blob returns the serialized credential material for the instance. Used by
// the identity resolver to pull an account id out of stored auth state.
func (s *Store) Blob(id string) ([]byte, error) {
	if !safeID(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnsafeID, id)
	}
	data, err := os.ReadFile(filepath.Join(s.base, id, authFile))
	if err != nil {
		return nil, fmt.Errorf("reading credentials for %s: %w", id, err)
	}
	return data, nil
}

// Clear removes the instance's credential directory entirely. Called when
// the transport reports the account logged out and the material is invalid.
func (s *Store) Clear(id string) error {
	if !safeID(id) {
		return fmt.Errorf("%w: %q", ErrUnsafeID, id)
	}
	dir := filepath.Join(s.base, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing credentials for %s: %w", id, err)
	}
	return nil
}
