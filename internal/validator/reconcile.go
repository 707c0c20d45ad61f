package validator

import (
	"strings"
)

// NormalizeRepoPath canonicalizes a model-emitted path for reconciliation
// against changed files: trim, backslashes to slashes, strip leading "./",
// collapse duplicate separators.
func NormalizeRepoPath(path string) string {
	out := strings.TrimSpace(path)
	out = strings.ReplaceAll(out, `\`, "/")
	out = strings.TrimPrefix(out, "./")
	for strings.Contains(out, "//") {
		out = strings.ReplaceAll(out, "//", "/")
	}
	return out
}

// changedSet canonicalizes the changed-file list once per validation.
func changedSet(changedFiles []string) map[string]bool {
	set := make(map[string]bool, len(changedFiles))
	for _, f := range changedFiles {
		set[NormalizeRepoPath(f)] = true
	}
	return set
}
