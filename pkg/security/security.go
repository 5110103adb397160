package security

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobNameLength is the maximum length for job names
	MaxJobNameLength = 255

	// MaxHandlerNameLength is the maximum length for continuation handler names
	MaxHandlerNameLength = 255

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxBudget is the hard limit for a slice budget. Hosts that kill
	// executions do so at six minutes; a budget at or above that has no margin.
	MaxBudget = 5 * time.Minute

	// MinBudget is the smallest useful slice budget
	MinBudget = time.Second

	// MaxUnitPause is the hard limit for the pause between units
	MaxUnitPause = 10 * time.Second

	// MaxConcurrency is the maximum number of slices one dispatcher runs at once
	MaxConcurrency = 64
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateJobName validates a job name
func ValidateJobName(name string) error {
	if name == "" {
		return core.ErrInvalidJobName
	}
	if len(name) > MaxJobNameLength {
		return core.ErrJobNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidJobName
	}
	return nil
}

// ValidateHandlerName validates a continuation handler name
func ValidateHandlerName(name string) error {
	if name == "" {
		return core.ErrInvalidHandlerName
	}
	if len(name) > MaxHandlerNameLength {
		return core.ErrHandlerNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidHandlerName
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampBudget ensures a slice budget is within limits
func ClampBudget(d time.Duration) time.Duration {
	if d < MinBudget {
		return MinBudget
	}
	if d > MaxBudget {
		return MaxBudget
	}
	return d
}

// ClampUnitPause ensures the inter-unit pause is within limits
func ClampUnitPause(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxUnitPause {
		return MaxUnitPause
	}
	return d
}

// ClampConcurrency ensures dispatcher concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
