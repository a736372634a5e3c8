package notice

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// sourceKeyParams are the query parameter names, in priority order, that boards
// commonly use for their article identifier.
var sourceKeyParams = []string{
	"articleno",
	"article_no",
	"articleid",
	"article_id",
	"board_seq",
	"notice_id",
	"noticeid",
	"seq",
	"no",
	"id",
}

// Clean trims s and collapses interior whitespace runs to single spaces so
// source-site formatting noise never changes an identity.
func Clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeLink standardizes a URL to avoid duplicate identities: lowercases
// scheme and host, removes default ports and fragments, and sorts query
// parameters. Invalid URLs are returned trimmed but otherwise untouched.
func NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String()
}

// SourceKey recovers the per-site article identifier from a notice link.
// Listing pages reorder and re-render, but the article id in the link stays
// put, which is what keeps canonical IDs stable across crawl cycles.
//
// Resolution order: a known id parameter, then any parameter whose name hints
// at an id, then any all-numeric value, then trailing digits in the path.
// Returns "" when nothing identifier-like is present.
func SourceKey(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}

	params := lowerQuery(u)
	for _, key := range sourceKeyParams {
		if v := params[key]; v != "" {
			return v
		}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if params[name] == "" {
			continue
		}
		if strings.Contains(name, "id") || strings.Contains(name, "no") ||
			strings.Contains(name, "seq") || strings.Contains(name, "article") {
			return params[name]
		}
	}
	for _, name := range names {
		if v := params[name]; v != "" && isNumeric(v) {
			return v
		}
	}

	return pathDigits(u.Path)
}

// CanonicalID derives the stable notice identity from its board coordinates
// and source key. Same logical notice, same ID, independent of content.
func CanonicalID(campus, departmentID, boardID, sourceKey, link string) string {
	parts := []string{campus, departmentID, boardID, sourceKey, link}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// CanonicalContent renders the content-addressable byte form of a notice:
// cleaned title and whitespace-normalized body in a fixed layout. Board
// coordinates are deliberately excluded so a cross-posted notice canonicalizes
// to the same bytes everywhere it appears.
func CanonicalContent(n Notice) []byte {
	return []byte(Clean(n.Title) + "\n\n" + Clean(n.Body))
}

// HashContent computes the content hash over CanonicalContent. Identical
// content hashes identically regardless of which board produced it, which is
// what enables cross-posting dedup in the content store.
func HashContent(n Notice) string {
	sum := sha256.Sum256(CanonicalContent(n))
	return hex.EncodeToString(sum[:])
}

func lowerQuery(u *url.URL) map[string]string {
	out := make(map[string]string)
	for name, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		key := strings.ToLower(name)
		if _, seen := out[key]; !seen {
			out[key] = values[0]
		}
	}
	return out
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func pathDigits(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	last := segments[len(segments)-1]
	var digits strings.Builder
	for _, r := range last {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	return digits.String()
}
