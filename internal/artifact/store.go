// Package artifact keeps the raw inputs and outputs of each fix attempt on
// disk: the rendered prompt, the model response and the deployment logs.
// Records in the database point at these files by reference.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Well-known artifact names inside an attempt directory.
const (
	Prompt   = "prompt.md"
	Response = "response.json"
	Logs     = "deploy.log"
	Analysis = "analysis.json"
)

// Store manages artifacts on disk.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.autoheal/artifacts, creating it if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".autoheal", "artifacts")
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) attemptDir(failureID string, attempt int) string {
	return filepath.Join(s.baseDir, failureID, fmt.Sprintf("attempt-%d", attempt))
}

// Ref is the store-relative reference for an artifact.
func Ref(failureID string, attempt int, name string) string {
	return filepath.ToSlash(filepath.Join(failureID, fmt.Sprintf("attempt-%d", attempt), name))
}

// Save writes an artifact and returns its reference.
func (s *Store) Save(failureID string, attempt int, name string, data []byte) (string, error) {
	if err := checkName(failureID, name); err != nil {
		return "", err
	}
	if err := WriteAtomic(filepath.Join(s.attemptDir(failureID, attempt), name), data); err != nil {
		return "", err
	}
	return Ref(failureID, attempt, name), nil
}

// SaveJSON writes v as JSON and returns its reference.
func (s *Store) SaveJSON(failureID string, attempt int, name string, v interface{}) (string, error) {
	data, err := marshalJSON(v)
	if err != nil {
		return "", err
	}
	return s.Save(failureID, attempt, name, data)
}

// Read returns the content behind a reference.
func (s *Store) Read(ref string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid artifact reference %q", ref)
	}
	return os.ReadFile(filepath.Join(s.baseDir, clean))
}

// List returns the references stored for a failure, sorted.
func (s *Store) List(failureID string) ([]string, error) {
	root := filepath.Join(s.baseDir, failureID)
	var refs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		refs = append(refs, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(refs)
	return refs, nil
}

func checkName(failureID, name string) error {
	for _, part := range []string{failureID, name} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return fmt.Errorf("invalid artifact path component %q", part)
		}
	}
	return nil
}
