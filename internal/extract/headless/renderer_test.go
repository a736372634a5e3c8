package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNilRendererIsDisabled(t *testing.T) {
	t.Parallel()

	var r *ChromedpRenderer
	_, err := r.Render(context.Background(), "https://example.com")
	require.ErrorIs(t, err, ErrDisabled)
}

func TestChromedpRendererRender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<!doctype html><html><body><script>document.body.innerHTML = '<div id="late">late content</div>';</script></body></html>`)
	}))
	defer srv.Close()

	r, err := NewChromedp(Config{MaxParallel: 1, NavTimeout: 5 * time.Second}, zap.NewNop())
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	defer r.Close()

	page, err := r.Render(context.Background(), srv.URL)
	if err != nil {
		t.Skipf("render failed: %v", err)
	}
	if !strings.Contains(string(page), "late content") {
		t.Fatal("rendered body missing dynamic content")
	}
}
