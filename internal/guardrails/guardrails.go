package guardrails

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrEmptyQuery is returned for blank intake queries.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrQueryTooLong is returned when a query exceeds the intake limit.
	ErrQueryTooLong = errors.New("query exceeds maximum length")

	// ErrUnsafeQuery is returned when the query matches an unsafe pattern.
	ErrUnsafeQuery = errors.New("query contains unsafe content")

	// ErrOffTopicQuery is returned when the query has no compliance framing.
	ErrOffTopicQuery = errors.New("query is not compliance-related")
)

const maxQueryLength = 2000

// Screen validates queries at the transport boundary, before the core
// ever sees them. It is a filter around the orchestrator, not inside it.
type Screen struct {
	unsafe   []*regexp.Regexp
	keywords []string
}

// NewScreen builds the default screen.
func NewScreen() *Screen {
	patterns := []string{
		`\b(exploit|malware|ransomware)\b`,
		`\b(bypass|circumvent|disable|override)\b.*\b(security|authentication|authorization)\b`,
		`\bsql\s+injection\b`,
		`\bxss\b|\bcross.site.scripting\b`,
		`\bddos\b|\bdenial.of.service\b`,
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return &Screen{
		unsafe: compiled,
		keywords: []string{
			"policy", "compliance", "regulation", "audit", "security",
			"privacy", "gdpr", "hipaa", "sox", "pci", "iso27001",
			"authentication", "authorization", "access control",
			"data protection", "encryption", "mfa", "login",
		},
	}
}

// ValidateQuery accepts or rejects an intake query. Rejection reasons are
// identifiable so the transport can report them without leaking internals.
func (s *Screen) ValidateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return ErrEmptyQuery
	}
	if len(trimmed) > maxQueryLength {
		return fmt.Errorf("%w: %d > %d", ErrQueryTooLong, len(trimmed), maxQueryLength)
	}

	lower := strings.ToLower(trimmed)
	for _, re := range s.unsafe {
		if re.MatchString(lower) {
			return ErrUnsafeQuery
		}
	}

	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			return nil
		}
	}
	return ErrOffTopicQuery
}
