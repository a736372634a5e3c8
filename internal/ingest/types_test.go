package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noticegrid/ingestor/internal/notice"
)

func TestBoardNormalize(t *testing.T) {
	t.Parallel()

	board := Board{
		Campus:         " Seoul ",
		DepartmentID:   "cs",
		DepartmentName: "Computer Science",
		BoardID:        "cs-notice",
		BoardName:      "Notices",
		TargetURL:      "https://cs.example.ac.kr/board",
	}
	raw := notice.Raw{
		Title: "  Midterm   schedule ",
		Link:  "HTTPS://CS.Example.AC.KR/view?articleNo=42&b=2&a=1#top",
	}

	n := board.Normalize(raw)

	require.Equal(t, "Seoul", n.Campus)
	require.Equal(t, "Midterm schedule", n.Title)
	require.Equal(t, "https://cs.example.ac.kr/view?a=1&articleNo=42&b=2", n.Link)
	require.Equal(t, "general", n.Category, "missing category defaults")
	require.Len(t, n.ID, 64)
	require.Len(t, n.ContentHash, 64)

	// Redelivered jobs renormalize the same row; identity must not drift.
	again := board.Normalize(raw)
	require.Equal(t, n.ID, again.ID)
	require.Equal(t, n.ContentHash, again.ContentHash)
}

func TestVersionForTime(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.Equal(t, "20260314092653", VersionForTime(at))

	// Non-UTC inputs normalize to the same version.
	kst := time.FixedZone("KST", 9*3600)
	require.Equal(t, "20260314092653", VersionForTime(at.In(kst)))

	later := VersionForTime(at.Add(time.Second))
	require.Greater(t, later, VersionForTime(at), "versions sort in arrival order")
}

func TestDeliveryAckNack(t *testing.T) {
	t.Parallel()

	var acked, nacked int
	d := NewDelivery(Job{BatchID: "b1"}, 1, func() { acked++ }, func() { nacked++ })
	d.Ack()
	d.Nack()
	require.Equal(t, 1, acked)
	require.Equal(t, 1, nacked)

	// Nil callbacks are tolerated for fire-and-forget sources.
	bare := NewDelivery(Job{}, 0, nil, nil)
	bare.Ack()
	bare.Nack()
}
