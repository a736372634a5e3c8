package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/config"
)

func TestIngestCommandPrintsVersion(t *testing.T) {
	fake := &fakeApp{version: "20260314093000"}
	swapFactory(t, fake)

	out := runCommand(t, "ingest")

	require.Contains(t, out, "20260314093000")
	require.True(t, fake.closed, "post-run hook should close the app")
}

func TestSitemapCommandValidatesConfiguredPath(t *testing.T) {
	path := writeSiteMap(t, validSiteMap)
	fake := &fakeApp{cfg: config.Config{SiteMap: config.SiteMapConfig{Path: path}}}
	swapFactory(t, fake)

	out := runCommand(t, "sitemap")

	require.Contains(t, out, "1 campuses, 2 boards")
}

func TestSitemapCommandFileFlagOverridesConfig(t *testing.T) {
	path := writeSiteMap(t, validSiteMap)
	fake := &fakeApp{cfg: config.Config{SiteMap: config.SiteMapConfig{Path: "missing.yaml"}}}
	swapFactory(t, fake)

	out := runCommand(t, "sitemap", "--file", path)

	require.Contains(t, out, "2 boards")
}

func TestSitemapCommandRejectsBrokenMap(t *testing.T) {
	path := writeSiteMap(t, brokenSiteMap)
	fake := &fakeApp{cfg: config.Config{SiteMap: config.SiteMapConfig{Path: path}}}
	swapFactory(t, fake)

	root := newRootCmd()
	root.SetArgs([]string{"sitemap"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	err := root.Execute()
	require.ErrorContains(t, err, "profile kind")
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	swapFactory(t, &fakeApp{})

	root := newRootCmd()
	root.SetArgs([]string{"sitemap", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	err := root.Execute()
	require.ErrorContains(t, err, "load config")
}

// --- fakes ---

type fakeApp struct {
	cfg     config.Config
	version string
	closed  bool
}

func (f *fakeApp) Run(context.Context) error { return nil }

func (f *fakeApp) RunOnce(context.Context) (string, error) { return f.version, nil }

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Config() config.Config { return f.cfg }

func swapFactory(t *testing.T, a App) {
	t.Helper()
	prev := buildApp
	buildApp = func(context.Context, config.Config) (App, error) { return a, nil }
	t.Cleanup(func() { buildApp = prev })
}

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	require.NoError(t, root.Execute())
	return out.String()
}

func writeSiteMap(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sitemap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

const validSiteMap = `campuses:
  - name: seoul
    colleges:
      - name: Engineering
        departments:
          - id: cse
            name: Computer Science
            boards:
              - id: cs-101
                name: CS Notices
                url: https://cse.example.ac.kr/board
                profile:
                  kind: html
                  row_selector: "table tr"
                  title_selector: "td.subject a"
                  link_selector: "td.subject a"
              - id: cs-feed
                name: CS Feed
                url: https://cse.example.ac.kr/rss
                profile:
                  kind: rss
`

const brokenSiteMap = `campuses:
  - name: seoul
    colleges:
      - name: Engineering
        departments:
          - id: cse
            name: Computer Science
            boards:
              - id: cs-101
                name: CS Notices
                url: https://cse.example.ac.kr/board
`
