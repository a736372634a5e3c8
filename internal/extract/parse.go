package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/notice"
)

// ParseRows applies a board profile's selectors to listing-page HTML. Rows
// without a title or resolvable link are dropped; relative links resolve
// against the page URL. Shared by the static and rendered extraction paths.
func ParseRows(pageURL string, html []byte, profile ingest.Profile) ([]notice.Raw, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse board page: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	linkAttr := profile.LinkAttr
	if linkAttr == "" {
		linkAttr = "href"
	}

	var rows []notice.Raw
	doc.Find(profile.RowSelector).Each(func(_ int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Find(profile.TitleSelector).First().Text())
		link := resolveLink(base, sel, profile.LinkSelector, linkAttr)
		if title == "" || link == "" {
			return
		}
		row := notice.Raw{Title: title, Link: link}
		if profile.DateSelector != "" {
			row.Date = strings.TrimSpace(sel.Find(profile.DateSelector).First().Text())
		}
		if profile.AuthorSelector != "" {
			row.Author = strings.TrimSpace(sel.Find(profile.AuthorSelector).First().Text())
		}
		rows = append(rows, row)
	})
	return rows, nil
}

// ExtractBody pulls the detail-page body text for a notice out of page HTML.
func ExtractBody(html []byte, bodySelector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse detail page: %w", err)
	}
	return strings.TrimSpace(doc.Find(bodySelector).First().Text()), nil
}

func resolveLink(base *url.URL, sel *goquery.Selection, linkSelector, attr string) string {
	target := sel.Find(linkSelector).First()
	if target.Length() == 0 && sel.Is(linkSelector) {
		// The row element itself is the anchor.
		target = sel
	}
	raw, ok := target.Attr(attr)
	if !ok {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}
