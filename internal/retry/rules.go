package retry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
)

// Known rule classifications.
const (
	ClassFreeLimit    = "free-limit"
	ClassUnauthorized = "unauthorized"
)

// Rules created before classifications existed are recognised by these
// descriptions.
var legacyDescriptions = map[string]string{
	"cursor free requests limit message": ClassFreeLimit,
	"cursor unauthorized request error":  ClassUnauthorized,
}

var ErrInvalidPattern = errors.New("invalid error rule pattern")

// Rule is a compiled error rule. Patterns match case-insensitively.
type Rule struct {
	ID             string
	Pattern        string
	Description    string
	Classification string

	re *regexp.Regexp
}

// Match reports whether text matches the rule.
func (r Rule) Match(text string) bool {
	return r.re != nil && r.re.MatchString(text)
}

// ValidatePattern checks that p compiles as a rule pattern.
func ValidatePattern(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if _, err := regexp.Compile("(?i)" + p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}

func CompileRule(sr storage.ErrorRule) (Rule, error) {
	if err := ValidatePattern(sr.Pattern); err != nil {
		return Rule{}, err
	}
	return Rule{
		ID:             sr.ID,
		Pattern:        sr.Pattern,
		Description:    sr.Description,
		Classification: Classify(sr),
		re:             regexp.MustCompile("(?i)" + sr.Pattern),
	}, nil
}

// Classify returns the rule's normalised classification, falling back to
// the legacy description mapping. Unclassified rules return "".
func Classify(sr storage.ErrorRule) string {
	if c := strings.ToLower(strings.TrimSpace(sr.Classification)); c != "" {
		return c
	}
	return legacyDescriptions[strings.ToLower(strings.TrimSpace(sr.Description))]
}

// Match returns the first rule in order that matches text.
func Match(rules []Rule, text string) (Rule, bool) {
	for _, r := range rules {
		if r.Match(text) {
			return r, true
		}
	}
	return Rule{}, false
}
