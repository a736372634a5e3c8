package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noticegrid/ingestor/internal/ingest"
)

const listingHTML = `
<html><body>
<table class="board">
  <tr class="row">
    <td class="subject"><a href="/board/view?articleNo=101">Midterm schedule</a></td>
    <td class="writer">Office</td>
    <td class="date">2026-03-10</td>
  </tr>
  <tr class="row">
    <td class="subject"><a href="https://cs.example.ac.kr/board/view?articleNo=102">Scholarship notice</a></td>
    <td class="writer">Admin</td>
    <td class="date">2026-03-11</td>
  </tr>
  <tr class="row">
    <td class="subject"><a href="javascript:void(0)">Popup only</a></td>
    <td class="writer">Admin</td>
    <td class="date">2026-03-12</td>
  </tr>
  <tr class="row">
    <td class="subject"><a href="/board/view?articleNo=104"></a></td>
    <td class="writer">Admin</td>
    <td class="date">2026-03-13</td>
  </tr>
</table>
</body></html>`

func TestParseRows(t *testing.T) {
	t.Parallel()

	profile := ingest.Profile{
		Kind:           ingest.ProfileHTML,
		RowSelector:    "tr.row",
		TitleSelector:  "td.subject a",
		DateSelector:   "td.date",
		AuthorSelector: "td.writer",
		LinkSelector:   "td.subject a",
	}

	rows, err := ParseRows("https://cs.example.ac.kr/board/list", []byte(listingHTML), profile)
	require.NoError(t, err)
	// The javascript link and the untitled row are dropped.
	require.Len(t, rows, 2)

	require.Equal(t, "Midterm schedule", rows[0].Title)
	require.Equal(t, "https://cs.example.ac.kr/board/view?articleNo=101", rows[0].Link)
	require.Equal(t, "2026-03-10", rows[0].Date)
	require.Equal(t, "Office", rows[0].Author)

	require.Equal(t, "Scholarship notice", rows[1].Title)
	require.Equal(t, "https://cs.example.ac.kr/board/view?articleNo=102", rows[1].Link)
}

func TestParseRowsRowIsAnchor(t *testing.T) {
	t.Parallel()

	html := `
<ul class="notice">
  <li><a class="item" href="/view/1"><span class="t">First</span></a></li>
  <li><a class="item" href="/view/2"><span class="t">Second</span></a></li>
</ul>`
	profile := ingest.Profile{
		Kind:          ingest.ProfileHTML,
		RowSelector:   "ul.notice a.item",
		TitleSelector: "span.t",
		LinkSelector:  "a.item",
	}

	rows, err := ParseRows("https://law.example.ac.kr/notice", []byte(html), profile)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "https://law.example.ac.kr/view/1", rows[0].Link)
	require.Equal(t, "First", rows[0].Title)
}

func TestParseRowsCustomLinkAttr(t *testing.T) {
	t.Parallel()

	html := `<div class="card" data-url="/d/9"><h3>Notice nine</h3><a href="#">open</a></div>`
	profile := ingest.Profile{
		Kind:          ingest.ProfileHTML,
		RowSelector:   "div.card",
		TitleSelector: "h3",
		LinkSelector:  "div.card",
		LinkAttr:      "data-url",
	}

	rows, err := ParseRows("https://cs.example.ac.kr/board", []byte(html), profile)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "https://cs.example.ac.kr/d/9", rows[0].Link)
}

func TestParseRowsBadPageURL(t *testing.T) {
	t.Parallel()

	_, err := ParseRows("://bad", []byte("<html></html>"), ingest.Profile{RowSelector: "tr"})
	require.Error(t, err)
}

func TestExtractBody(t *testing.T) {
	t.Parallel()

	html := `<html><body><div id="content"><p>Applications close Friday.</p></div></body></html>`
	body, err := ExtractBody([]byte(html), "#content")
	require.NoError(t, err)
	require.Equal(t, "Applications close Friday.", body)

	empty, err := ExtractBody([]byte(html), "#missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}
