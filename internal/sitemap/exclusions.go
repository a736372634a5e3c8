package sitemap

import "strings"

// Exclusions matches board IDs against exact entries and trailing-wildcard
// patterns from configuration.
type Exclusions struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewExclusions compiles the configured patterns. Returns nil when nothing
// would ever match; a nil matcher excludes nothing.
func NewExclusions(patterns []string) *Exclusions {
	matcher := &Exclusions{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		if strings.HasSuffix(value, "*") {
			prefix := strings.TrimSuffix(value, "*")
			if prefix != "" {
				matcher.addPrefix(prefix)
			}
			continue
		}
		matcher.exact[value] = struct{}{}
	}
	if len(matcher.exact) == 0 && len(matcher.prefixes) == 0 {
		return nil
	}
	return matcher
}

func (e *Exclusions) addPrefix(prefix string) {
	for _, existing := range e.prefixes {
		if existing == prefix {
			return
		}
	}
	e.prefixes = append(e.prefixes, prefix)
}

// IsExcluded reports whether the board ID matches any configured pattern.
func (e *Exclusions) IsExcluded(boardID string) bool {
	if e == nil {
		return false
	}
	boardID = strings.TrimSpace(strings.ToLower(boardID))
	if boardID == "" {
		return false
	}
	if _, exact := e.exact[boardID]; exact {
		return true
	}
	for _, prefix := range e.prefixes {
		if strings.HasPrefix(boardID, prefix) {
			return true
		}
	}
	return false
}
