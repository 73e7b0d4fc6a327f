package models

import "strings"

// ValidateRelativePath checks that p is a safe sandbox-relative path. It
// rejects empty paths, leading slashes, NUL bytes, parent references, and
// empty segments (doubled or trailing slashes). Every file request and file
// tool validates through here before the path reaches a container.
func ValidateRelativePath(p string) error {
	if p == "" {
		return NewError(ErrKindInvalidPath, "path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return NewError(ErrKindInvalidPath, "path contains NUL byte")
	}
	if strings.HasPrefix(p, "/") {
		return NewError(ErrKindInvalidPath, "path must be relative: %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return NewError(ErrKindInvalidPath, "path contains empty segment: %q", p)
		case "..":
			return NewError(ErrKindInvalidPath, "path contains parent reference: %q", p)
		}
	}
	return nil
}
