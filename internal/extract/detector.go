package extract

import (
	"bytes"
	"strings"
)

// defaultMarkers are framework fingerprints that only appear in pages whose
// real content arrives via JavaScript.
var defaultMarkers = [][]byte{
	[]byte("__next_data__"),
	[]byte("data-reactroot"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("ng-app"),
	[]byte("window.__apollo_state__"),
}

// Heuristic flags listing pages that look like empty application shells.
type Heuristic struct {
	minHTMLBytes int
	markers      [][]byte
}

// NewHeuristic creates a detector. Extra markers from configuration are
// matched case-insensitively alongside the built-in framework fingerprints.
func NewHeuristic(minHTMLBytes int, extraMarkers []string) *Heuristic {
	if minHTMLBytes <= 0 {
		minHTMLBytes = 2048
	}
	markers := make([][]byte, 0, len(defaultMarkers)+len(extraMarkers))
	markers = append(markers, defaultMarkers...)
	for _, m := range extraMarkers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		markers = append(markers, bytes.ToLower([]byte(m)))
	}
	return &Heuristic{
		minHTMLBytes: minHTMLBytes,
		markers:      markers,
	}
}

// ShouldRender reports whether an empty extraction is worth one headless retry.
func (h *Heuristic) ShouldRender(html []byte) bool {
	if h == nil {
		return false
	}
	if len(html) == 0 {
		return true
	}
	lower := bytes.ToLower(html)
	for _, marker := range h.markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	if len(html) < h.minHTMLBytes && scriptDensityHigh(html) {
		return true
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
