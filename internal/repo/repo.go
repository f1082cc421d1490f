package repo

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// GitHub allows at most 100 characters in a repository name.
const maxNameLen = 100

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	invalidRun  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen || !namePattern.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid repository name %q", name)
	}
	return nil
}

// Name derives the repository name for the initial round of a task. The
// result is deterministic in (task, nonce).
func Name(task, nonce string) string {
	return truncate(sanitize(task) + "-" + sanitize(nonce))
}

// WithSuffix returns name with a random 8 hex digit suffix, used after the
// derived name collided with an existing repository.
func WithSuffix(name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	base := name
	if len(base)+1+len(suffix) > maxNameLen {
		base = strings.TrimRight(base[:maxNameLen-1-len(suffix)], "-.")
	}
	return base + "-" + suffix
}

func sanitize(s string) string {
	s = invalidRun.ReplaceAllString(strings.TrimSpace(s), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "app"
	}
	return s
}

func truncate(s string) string {
	if len(s) <= maxNameLen {
		return s
	}
	return strings.TrimRight(s[:maxNameLen], "-.")
}
