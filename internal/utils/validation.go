package utils

import (
	"fmt"
	"strings"
	"unicode"
)

// maxTargetNameLength bounds the object key length accepted at session
// creation.
const maxTargetNameLength = 1024

// ValidateTargetName checks that a requested object key is safe to use as a
// storage key. Slashes are allowed as key separators; traversal sequences,
// absolute paths, and control characters are not.
func ValidateTargetName(name string) error {
	if name == "" {
		return fmt.Errorf("target name cannot be empty")
	}
	if len(name) > maxTargetNameLength {
		return fmt.Errorf("target name exceeds %d characters", maxTargetNameLength)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("target name cannot be absolute")
	}
	if strings.ContainsRune(name, '\\') {
		return fmt.Errorf("target name cannot contain backslashes")
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("target name cannot contain control characters")
		}
	}

	for _, part := range strings.Split(name, "/") {
		if part == "" {
			return fmt.Errorf("target name cannot contain empty path segments")
		}
		if part == "." || part == ".." {
			return fmt.Errorf("target name cannot contain path traversal segments")
		}
	}

	return nil
}
