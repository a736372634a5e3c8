// Package notice defines the notice data model and the deterministic identity
// functions that keep notices stable across crawl cycles.
package notice

import "strings"

// Raw is one extracted listing row before normalization. It lives only in
// worker memory and batch staging.
type Raw struct {
	Title  string `json:"title"`
	Link   string `json:"link"`
	Author string `json:"author,omitempty"`
	Date   string `json:"date,omitempty"`
	Body   string `json:"body,omitempty"`
}

// Notice is the normalized record staged as a fragment and published in
// snapshot detail files.
type Notice struct {
	ID             string `json:"id"`
	ContentHash    string `json:"content_hash"`
	Campus         string `json:"campus"`
	College        string `json:"college,omitempty"`
	DepartmentID   string `json:"department_id"`
	DepartmentName string `json:"department_name"`
	BoardID        string `json:"board_id"`
	BoardName      string `json:"board_name"`
	Category       string `json:"category"`
	Title          string `json:"title"`
	Author         string `json:"author,omitempty"`
	Date           string `json:"date,omitempty"`
	Link           string `json:"link"`
	Body           string `json:"body,omitempty"`
}

// IndexEntry is the lightweight projection published in snapshot indices:
// everything downstream viewers list on, without the body.
type IndexEntry struct {
	ID             string `json:"id"`
	ContentHash    string `json:"content_hash"`
	Campus         string `json:"campus"`
	DepartmentID   string `json:"department_id"`
	DepartmentName string `json:"department_name"`
	BoardID        string `json:"board_id"`
	BoardName      string `json:"board_name"`
	Category       string `json:"category"`
	Title          string `json:"title"`
	Author         string `json:"author,omitempty"`
	Date           string `json:"date,omitempty"`
	Link           string `json:"link"`
}

// IndexEntry projects the notice into its index form.
func (n Notice) IndexEntry() IndexEntry {
	return IndexEntry{
		ID:             n.ID,
		ContentHash:    n.ContentHash,
		Campus:         n.Campus,
		DepartmentID:   n.DepartmentID,
		DepartmentName: n.DepartmentName,
		BoardID:        n.BoardID,
		BoardName:      n.BoardName,
		Category:       n.Category,
		Title:          n.Title,
		Author:         n.Author,
		Date:           n.Date,
		Link:           n.Link,
	}
}

// NormalizeCategory maps a site-map category label to its published form.
func NormalizeCategory(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "general"
	}
	return s
}
