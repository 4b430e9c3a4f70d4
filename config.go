package hymolkm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DefaultStateDir is the base directory holding persisted lifecycle state.
const DefaultStateDir = "/data/adb/hymo"

// Files inside the state directory.
const (
	autoloadFile    = "lkm_autoload"
	kmiOverrideFile = "lkm_kmi_override"
	lastErrorFile   = "lkm_last_error"
)

// Store persists the autoload flag, the KMI override and the last error
// text as small files under a state directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a Store rooted at dir on fs.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// ensureDir creates the state directory if it does not exist.
func (s *Store) ensureDir() error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", s.dir, err)
	}
	return nil
}

func (s *Store) write(name, content string) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, s.path(name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) remove(name string) error {
	err := s.fs.Remove(s.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Autoload reports whether the module should be loaded at boot.
// A missing or empty flag file means enabled.
func (s *Store) Autoload() bool {
	v, err := readFirstLine(s.fs, s.path(autoloadFile))
	if err != nil || v == "" {
		return true
	}
	return v == "1" || v == "on" || v == "true"
}

// SetAutoload persists the autoload flag.
func (s *Store) SetAutoload(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return s.write(autoloadFile, v)
}

// KMIOverride returns the persisted KMI override, or "" if none is set.
func (s *Store) KMIOverride() string {
	v, _ := readFirstLine(s.fs, s.path(kmiOverrideFile))
	return v
}

// SetKMIOverride persists kmi as the override used instead of detection.
func (s *Store) SetKMIOverride(kmi string) error {
	return s.write(kmiOverrideFile, kmi)
}

// ClearKMIOverride removes the override. Clearing an unset override succeeds.
func (s *Store) ClearKMIOverride() error {
	return s.remove(kmiOverrideFile)
}

// LastError returns the persisted reason of the last failed load or unload.
func (s *Store) LastError() string {
	v, _ := readFirstLine(s.fs, s.path(lastErrorFile))
	return v
}

// SetLastError persists msg on a single line; an empty msg clears it.
// Multi-line helper output is folded so trailing hints survive.
func (s *Store) SetLastError(msg string) error {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return s.remove(lastErrorFile)
	}
	return s.write(lastErrorFile, msg)
}

// readFirstLine returns the first line of the file at path without its
// line terminator.
func readFirstLine(fs afero.Fs, path string) (string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}
