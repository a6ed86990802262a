package utils

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidPathComponent is returned when a remote supplied name cannot be
// safely placed below a local root.
var ErrInvalidPathComponent = errors.New("invalid path component")

// JoinRelative joins a '/' separated name received from a peer onto root.
// Every component is validated before anything is joined, so the result is
// always located below root.
func JoinRelative(root, name string) (string, error) {
	parts := strings.Split(name, "/")
	path := root
	for _, part := range parts {
		if err := ValidatePathComponent(part); err != nil {
			return "", fmt.Errorf("%w: %q in %q", ErrInvalidPathComponent, part, name)
		}
		path = filepath.Join(path, part)
	}
	return path, nil
}

// ValidatePathComponent checks a single component of a relative name
func ValidatePathComponent(component string) error {
	switch {
	case component == "":
		return fmt.Errorf("%w: empty component", ErrInvalidPathComponent)
	case component == "." || component == "..":
		return fmt.Errorf("%w: traversal component %q", ErrInvalidPathComponent, component)
	case strings.ContainsAny(component, `/\`):
		return fmt.Errorf("%w: component %q contains a separator", ErrInvalidPathComponent, component)
	case strings.ContainsRune(component, 0):
		return fmt.Errorf("%w: component contains NUL", ErrInvalidPathComponent)
	case filepath.VolumeName(component) != "" || filepath.IsAbs(component):
		return fmt.Errorf("%w: component %q is absolute", ErrInvalidPathComponent, component)
	}
	return nil
}

// FirstComponent returns the leading component of a '/' separated name
func FirstComponent(name string) string {
	first, _, _ := strings.Cut(name, "/")
	return first
}

// FormatFileSize formats file size in human readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
