// Package pathguard resolves user-supplied relative paths against a
// fixed base directory and rejects anything that would escape it.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var errTraversal = fmt.Errorf("path escapes base directory")

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidUserID reports whether id is safe to use as a single path
// segment under baseDir.
func ValidUserID(id string) bool {
	return id != "" && userIDPattern.MatchString(id)
}

// Resolve joins subdir onto baseDir/userID, rejecting any result that
// would fall outside that per-user root. It does not touch the
// filesystem.
func Resolve(baseDir, userID, subdir string) (string, error) {
	if !ValidUserID(userID) {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	root := filepath.Join(filepath.Clean(baseDir), userID)
	return resolveUnder(root, subdir)
}

// ResolveAddDir validates a directory the caller wants to add to an
// agent's working set against the session's working directory root.
func ResolveAddDir(root, rel string) (string, error) {
	return resolveUnder(root, rel)
}

func resolveUnder(root, rel string) (string, error) {
	root = filepath.Clean(root)
	joined := filepath.Join(root, rel)
	joined = filepath.Clean(joined)

	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", errTraversal
	}
	return joined, nil
}

// EnsureDir creates dir (and parents) with mode 0o755 if it does not
// already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// ResolveAndEnsure resolves subdir under baseDir/userID and creates it
// if auto_create_dir permits.
func ResolveAndEnsure(baseDir, userID, subdir string, autoCreate bool) (string, error) {
	path, err := Resolve(baseDir, userID, subdir)
	if err != nil {
		return "", err
	}
	if autoCreate {
		if err := EnsureDir(path); err != nil {
			return "", fmt.Errorf("create session directory: %w", err)
		}
	}
	return path, nil
}
