// Package util holds small helpers shared across the alert engine.
package util

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	// MaxPatternLength bounds caller-supplied regex patterns.
	MaxPatternLength = 500
	// DefaultMatchTimeout caps regex execution per match.
	DefaultMatchTimeout = 500 * time.Millisecond

	maxAlternations = 50
	maxNestingDepth = 3
	maxRepetition   = 999
)

// ErrEmptyPattern is returned for an empty regex pattern.
var ErrEmptyPattern = errors.New("regex pattern cannot be empty")

// ValidatePattern rejects patterns that are empty, oversized, or structured
// in ways prone to catastrophic backtracking. Grouping and dismissal criteria
// accept caller-supplied patterns, so they are screened before compilation.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	if len(pattern) > MaxPatternLength {
		return fmt.Errorf("regex pattern too long: %d characters (max %d)", len(pattern), MaxPatternLength)
	}
	for _, seq := range []string{")+*", ")*+", ")+{", ")*{", "++", "**", "*+", "+*"} {
		if strings.Contains(pattern, seq) {
			return fmt.Errorf("pattern contains nested quantifiers: %q", seq)
		}
	}
	if n := strings.Count(pattern, "|"); n > maxAlternations {
		return fmt.Errorf("too many alternations: %d (max %d)", n, maxAlternations)
	}
	if err := checkStructure(pattern); err != nil {
		return err
	}
	return nil
}

// checkStructure walks the pattern once, tracking group nesting and bounded
// repetition counts.
func checkStructure(pattern string) error {
	depth := 0
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++ // skip escaped char
		case '(':
			depth++
			if depth > maxNestingDepth {
				return fmt.Errorf("pattern nesting too deep: %d (max %d)", depth, maxNestingDepth)
			}
		case ')':
			depth--
			if depth < 0 {
				return errors.New("pattern has unmatched closing parenthesis")
			}
		case '{':
			count := 0
			for j := i + 1; j < len(pattern) && pattern[j] >= '0' && pattern[j] <= '9'; j++ {
				count = count*10 + int(pattern[j]-'0')
			}
			if count > maxRepetition {
				return fmt.Errorf("excessive repetition: %d (max %d)", count, maxRepetition)
			}
		}
	}
	if depth != 0 {
		return errors.New("pattern has unmatched parentheses")
	}
	return nil
}

// CompilePattern validates and compiles a caller-supplied pattern with the
// default match timeout applied.
func CompilePattern(pattern string) (*regexp2.Regexp, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	re, err := regexp2.Compile(pattern, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	re.MatchTimeout = DefaultMatchTimeout
	return re, nil
}
