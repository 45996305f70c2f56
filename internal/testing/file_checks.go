package testing

import (
	"bytes"
	"fmt"
	"os"
)

// FileChecker chains checks on a path of a store under test.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for the given path.
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check runs every check and returns the failures as a MultiError.
func (fc *FileChecker) Check() error {
	failures := MultiError{}
	for _, check := range fc.Checks {
		AppendErr(&failures, check(fc.Path))
	}
	if len(failures) == 0 {
		return nil
	}
	return failures
}

func (fc *FileChecker) add(check func(path string) error) *FileChecker {
	fc.Checks = append(fc.Checks, check)
	return fc
}

// IsDir checks that the path is a directory.
func (fc *FileChecker) IsDir() *FileChecker {
	return fc.add(func(path string) error {
		info, err := lstat(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("expected %s to be a directory", path)
		}
		return nil
	})
}

// IsFile checks that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	return fc.add(func(path string) error {
		info, err := lstat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected %s to be a regular file, mode is %s", path, info.Mode())
		}
		return nil
	})
}

// NotExists checks that nothing exists at the path.
func (fc *FileChecker) NotExists() *FileChecker {
	return fc.add(func(path string) error {
		if _, err := os.Lstat(path); !os.IsNotExist(err) {
			return fmt.Errorf("expected %s to not exist", path)
		}
		return nil
	})
}

// EmptyDir checks that the path is a directory without entries.
func (fc *FileChecker) EmptyDir() *FileChecker {
	return fc.add(func(path string) error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", path, err)
		}
		if len(entries) == 0 {
			return nil
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		return fmt.Errorf("expected %s to be empty, contains %v", path, names)
	})
}

// Content checks the bytes of the file at the path.
func (fc *FileChecker) Content(want []byte) *FileChecker {
	return fc.add(func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("content mismatch for %s: want %d bytes, got %d bytes", path, len(want), len(got))
		}
		return nil
	})
}

func lstat(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("path does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
