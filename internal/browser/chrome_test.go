package browser

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/IliaW/resource-blocking-test/internal/blocker"
	"github.com/IliaW/resource-blocking-test/internal/discovery"
)

const testPage = `<!DOCTYPE html>
<html><head>
<link rel="stylesheet" href="/style.css">
<script src="/a.js?v=1"></script>
<script src="/b.js?v=2"></script>
</head><body><h1>blocking</h1><img src="/logo.png"></body></html>`

// findChrome returns a browser binary from CHROME_PATH or PATH, skipping the test when none exists.
func findChrome(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome binary found")
	return ""
}

type pageServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newPageServer(t *testing.T) *pageServer {
	ps := &pageServer{hits: make(map[string]int)}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.hits[r.URL.Path]++
		ps.mu.Unlock()
		w.Header().Set("Cache-Control", "no-store")
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, testPage)
		case "/a.js", "/b.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "void 0;")
		case "/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "h1 { color: red; }")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pageServer) hitsFor(path string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[path]
}

func launchChrome(t *testing.T, outputDir string) Browser {
	cfg := &config.BrowserConfig{
		ExecPath:          findChrome(t),
		Headless:          true,
		NoSandbox:         true,
		UserAgent:         "resource-blocking-test",
		WindowWidth:       800,
		WindowHeight:      600,
		NavigationTimeout: 30 * time.Second,
		DiscoveryTimeout:  30 * time.Second,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := NewChromeLauncher(cfg, outputDir, log).Launch(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestChrome_DiscoverQueryMode(t *testing.T) {
	ps := newPageServer(t)
	b := launchChrome(t, t.TempDir())

	found, err := b.Discover(context.Background(), ps.URL+"/page", discovery.Query)
	require.NoError(t, err)

	// only the two query-carrying scripts, never the page, stylesheet or image
	assert.Equal(t, []string{ps.URL + "/a.js?v=1", ps.URL + "/b.js?v=2"}, found)
}

func TestChrome_RunTestBlocksMatchingRequest(t *testing.T) {
	ps := newPageServer(t)
	outputDir := t.TempDir()
	b := launchChrome(t, outputDir)
	target := ps.URL + "/a.js?v=1"

	result := b.RunTest(context.Background(), TestCase{
		PageURL:     ps.URL + "/page",
		Prefix:      "01",
		Suffix:      "_discovered",
		Name:        target,
		FileKey:     target,
		BlockedItem: target,
		Block:       blocker.Single(target, blocker.Exact),
	})

	require.False(t, result.Error, result.ErrorMessage)
	assert.Zero(t, ps.hitsFor("/a.js"))
	assert.Positive(t, ps.hitsFor("/b.js"))
	info, err := os.Stat(filepath.Join(outputDir, result.ScreenshotFile))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestChrome_RunTestNavigationError(t *testing.T) {
	b := launchChrome(t, t.TempDir())

	ps := newPageServer(t)
	pageURL := ps.URL + "/page"
	ps.Close()

	result := b.RunTest(context.Background(), TestCase{PageURL: pageURL, Prefix: "00", Suffix: "_reference"})

	assert.True(t, result.Error)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Equal(t, "00_reference_reference_ERROR.png", result.ScreenshotFile)
}
