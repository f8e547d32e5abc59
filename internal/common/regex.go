package common

import (
	"fmt"
	"regexp"
	"strings"
)

// CompileInsensitive compiles pattern as a case-insensitive regular expression.
// An empty pattern is a validation error.
func CompileInsensitive(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, Validationf("empty pattern")
	}
	if !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pattern %q: %v", ErrValidation, pattern, err)
	}
	return re, nil
}
