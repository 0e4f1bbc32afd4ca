package agent

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/killianrms/sauvegarde/internal/apperrors"
)

// SandboxPath canonicalizes a client-supplied repository-relative path and
// rejects it with ErrPathEscape if it contains a null byte, an absolute
// prefix, or any parent-directory segment — catalog paths are stored
// already-normalized, so an interior `..` is as much a protocol violation
// as a leading one. It returns the cleaned, repository-relative path
// (never an absolute filesystem path), since callers only need it for
// catalog keys.
func SandboxPath(p string) (string, error) {
	if strings.IndexByte(p, 0) != -1 {
		return "", fmt.Errorf("%w: path contains a null byte", apperrors.ErrPathEscape)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return "", fmt.Errorf("%w: path %q is absolute", apperrors.ErrPathEscape, p)
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q contains a parent-directory segment", apperrors.ErrPathEscape, p)
		}
	}

	cleaned := filepath.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("%w: empty path", apperrors.ErrPathEscape)
	}
	return cleaned, nil
}
