package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://cs.example.ac.kr/board/notice", "cs.example.ac.kr"},
		{"standard https", "https://CS.Example.ac.kr/board", "cs.example.ac.kr"},
		{"no scheme", "cs.example.ac.kr/board", "cs.example.ac.kr"},
		{"just host", "cs.example.ac.kr", "cs.example.ac.kr"},
		{"host with port", "cs.example.ac.kr:8080", "cs.example.ac.kr"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveFetch("https://cs.example.ac.kr/board", "ok", 2048)
	if val := testutil.ToFloat64(ingestorFetchPagesTotal.WithLabelValues("cs.example.ac.kr", "ok")); val != 1 {
		t.Errorf("expected one fetch for cs.example.ac.kr, got %f", val)
	}
	if val := testutil.ToFloat64(ingestorFetchBytesTotal.WithLabelValues("cs.example.ac.kr")); val != 2048 {
		t.Errorf("expected 2048 fetched bytes, got %f", val)
	}

	ObserveBlobWrite(true)
	ObserveBlobWrite(false)
	ObserveBlobWrite(false)
	if val := testutil.ToFloat64(ingestorBlobWritesTotal.WithLabelValues("created")); val != 1 {
		t.Errorf("expected one created blob write, got %f", val)
	}
	if val := testutil.ToFloat64(ingestorBlobWritesTotal.WithLabelValues("deduplicated")); val != 2 {
		t.Errorf("expected two deduplicated blob writes, got %f", val)
	}

	ObserveBoard("seoul", "succeeded")
	if val := testutil.ToFloat64(ingestorBoardsTotal.WithLabelValues("seoul", "succeeded")); val != 1 {
		t.Errorf("expected one succeeded board for seoul, got %f", val)
	}

	ObserveDiff(3, 2, 1)
	if val := testutil.ToFloat64(ingestorDiffChangesTotal.WithLabelValues("updated")); val != 2 {
		t.Errorf("expected two updated diff entries, got %f", val)
	}

	ObserveBatchFinalize("published", 1500*time.Millisecond)
	if val := testutil.ToFloat64(ingestorBatchesTotal.WithLabelValues("published")); val != 1 {
		t.Errorf("expected one published batch, got %f", val)
	}

	SetSnapshotStats(120, 3)
	if val := testutil.ToFloat64(ingestorSnapshotNotices); val != 120 {
		t.Errorf("expected snapshot notice gauge 120, got %f", val)
	}
	if val := testutil.ToFloat64(ingestorSnapshotStaleBoards); val != 3 {
		t.Errorf("expected stale board gauge 3, got %f", val)
	}

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(ingestorActiveWorkers); val != 1 {
		t.Errorf("expected one active worker, got %f", val)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://cs.example.ac.kr", "https://law.example.ac.kr", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeHost(orig)
		if sanitized == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
