// Package fetcher expands a changelist into its changed files under a strict
// path allow-list. Subprocess execution is argumentized against a fixed
// binary with an explicit timeout; no shell is ever involved.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/failure"
)

var (
	depotPathRe     = regexp.MustCompile(`^//\S+$`)
	depotFileLineRe = regexp.MustCompile(`(?m)^\.\.\. depotFile (//\S+)$`)
)

// Change is the expanded changelist.
type Change struct {
	ChangelistID int64
	Files        []string
}

// Runner executes the source-control binary; swapped in tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// P4Fetcher lists changed files via `p4 describe`, enforcing the allow-list
// on both requested and returned paths.
type P4Fetcher struct {
	allowlist []string
	binary    string
	timeout   time.Duration
	runner    Runner
	log       *zap.Logger
}

// NewP4 validates the allow-list up front: entries must be non-empty depot
// prefixes, with "..." only as a trailing wildcard.
func NewP4(allowlistPrefixes []string, binary string, timeout time.Duration, log *zap.Logger) (*P4Fetcher, error) {
	if len(allowlistPrefixes) == 0 {
		return nil, errors.New("allowlist prefixes must not be empty")
	}
	validated := make([]string, 0, len(allowlistPrefixes))
	for _, raw := range allowlistPrefixes {
		normalized := strings.TrimRight(strings.TrimSpace(raw), "/")
		if normalized == "" {
			return nil, errors.New("allowlist entries must be non-empty")
		}
		if !strings.HasPrefix(normalized, "//") {
			return nil, fmt.Errorf("allowlist entry %q must start with //", raw)
		}
		if strings.Contains(normalized, "...") && !strings.HasSuffix(normalized, "...") {
			return nil, fmt.Errorf("allowlist wildcard in %q is only allowed as trailing ...", raw)
		}
		validated = append(validated, normalized)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &P4Fetcher{
		allowlist: validated,
		binary:    binary,
		timeout:   timeout,
		runner:    defaultRunner,
		log:       log,
	}, nil
}

// WithRunner substitutes the subprocess runner; used by tests.
func (f *P4Fetcher) WithRunner(r Runner) *P4Fetcher {
	f.runner = r
	return f
}

// FetchChange lists the changelist's files. Requested paths are checked
// before any subprocess runs; returned paths are checked again so a
// misbehaving upstream cannot smuggle files past the allow-list.
func (f *P4Fetcher) FetchChange(ctx context.Context, changelistID int64, requestedPaths []string) (Change, error) {
	for _, path := range requestedPaths {
		normalized, err := normalizeDepotPath(path)
		if err != nil {
			return Change{}, failure.New(failure.ClassPermissionDenied, err)
		}
		if !f.allowed(normalized) {
			f.securityEvent(normalized, "requested_path_not_allowed")
			return Change{}, failure.New(failure.ClassPermissionDenied,
				fmt.Errorf("requested path outside allowlist: %s", normalized))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	out, err := f.runner(runCtx, f.binary, "-ztag", "describe", "-s", strconv.FormatInt(changelistID, 10))
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Change{}, failure.New(failure.ClassNetworkTimeout, err)
		}
		return Change{}, failure.New(failure.ClassUpstreamInternal, fmt.Errorf("p4 describe: %w", err))
	}

	matches := depotFileLineRe.FindAllStringSubmatch(string(out), -1)
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		normalized, err := normalizeDepotPath(m[1])
		if err != nil {
			return Change{}, failure.New(failure.ClassUpstreamInternal, err)
		}
		if !f.allowed(normalized) {
			f.securityEvent(normalized, "fetched_path_not_allowed")
			return Change{}, failure.New(failure.ClassPermissionDenied,
				fmt.Errorf("fetched path outside allowlist: %s", normalized))
		}
		files = append(files, normalized)
	}
	return Change{ChangelistID: changelistID, Files: files}, nil
}

func (f *P4Fetcher) allowed(depotPath string) bool {
	for _, prefix := range f.allowlist {
		if strings.HasSuffix(prefix, "...") {
			if strings.HasPrefix(depotPath, prefix[:len(prefix)-3]) {
				return true
			}
			continue
		}
		if depotPath == prefix || strings.HasPrefix(depotPath, prefix+"/") {
			return true
		}
	}
	return false
}

func (f *P4Fetcher) securityEvent(path, reason string) {
	f.log.Warn("fetch security event", zap.String("path", path), zap.String("reason", reason))
}

func normalizeDepotPath(path string) (string, error) {
	normalized := strings.TrimSpace(path)
	if !depotPathRe.MatchString(normalized) {
		return "", fmt.Errorf("invalid depot path: %s", path)
	}
	return normalized, nil
}

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}
