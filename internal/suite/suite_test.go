package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/IliaW/resource-blocking-test/internal/browser"
	"github.com/IliaW/resource-blocking-test/internal/discovery"
	"github.com/IliaW/resource-blocking-test/internal/filename"
	"github.com/IliaW/resource-blocking-test/internal/model"
	"github.com/IliaW/resource-blocking-test/internal/session"
)

type fakeBrowser struct {
	outputDir   string
	discovered  []string
	discoverErr error
	// panicOn makes RunTest panic for the test with this name
	panicOn string

	mu     sync.Mutex
	cases  []browser.TestCase
	active atomic.Int32
	peak   atomic.Int32
	closed atomic.Int32
}

func (b *fakeBrowser) RunTest(_ context.Context, tc browser.TestCase) model.TestResult {
	if tc.Name == b.panicOn {
		panic("boom")
	}
	n := b.active.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	b.mu.Lock()
	b.cases = append(b.cases, tc)
	b.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	b.active.Add(-1)

	file := filename.ScreenshotName(tc.Prefix, tc.FileKey, tc.Suffix, false)
	if b.outputDir != "" {
		_ = os.WriteFile(filepath.Join(b.outputDir, file), []byte("png"), 0o644)
	}
	return model.TestResult{
		Name:           tc.Name,
		ScreenshotFile: file,
		Prefix:         tc.Prefix,
		Suffix:         tc.Suffix,
		BlockedItem:    tc.BlockedItem,
	}
}

func (b *fakeBrowser) Discover(context.Context, string, discovery.Mode) ([]string, error) {
	return b.discovered, b.discoverErr
}

func (b *fakeBrowser) MeasureLoad(context.Context, string, bool) (time.Duration, error) {
	return 0, nil
}

func (b *fakeBrowser) Close() { b.closed.Add(1) }

func (b *fakeBrowser) caseByName(name string) (browser.TestCase, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tc := range b.cases {
		if tc.Name == name {
			return tc, true
		}
	}
	return browser.TestCase{}, false
}

type fakeLauncher struct {
	b        *fakeBrowser
	err      error
	launched atomic.Int32
}

func (l *fakeLauncher) Launch(context.Context, browser.LogFunc) (browser.Browser, error) {
	l.launched.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.b, nil
}

type fakeRobots struct {
	disallowed map[string]bool
}

func (r *fakeRobots) Allowed(_ context.Context, rawURL, _ string) bool {
	return !r.disallowed[rawURL]
}

type fakeS3 struct {
	mu    sync.Mutex
	paths []string
}

func (s *fakeS3) WriteScreenshot(runID string, path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	return fmt.Sprintf("https://bucket/%s/%s", runID, filepath.Base(path))
}

type fakeDb struct {
	saved []*model.RunReport
}

func (d *fakeDb) Save(r *model.RunReport) { d.saved = append(d.saved, r) }

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		SuiteSettings: &config.SuiteConfig{
			OutputDir:     t.TempDir(),
			BatchSize:     2,
			TestTimeout:   time.Minute,
			DiscoveryMode: "query",
			BlockKeywords: []string{"video"},
		},
		RobotsSettings: &config.RobotsConfig{UserAgent: "Googlebot"},
	}
}

func newOrchestrator(t *testing.T, l Launcher) *Orchestrator {
	return &Orchestrator{
		Launcher: l,
		Robots:   &fakeRobots{},
		Cfg:      testConfig(t),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func startSession(t *testing.T, pageURL string, mode model.Mode) *session.Session {
	sess := session.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := sess.TryStart(pageURL, mode)
	require.NoError(t, err)
	return sess
}

func prefixes(results []model.TestResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Prefix)
	}
	return out
}

func TestRun_PredefinedProducesReferenceIndividualAndAll(t *testing.T) {
	b := &fakeBrowser{}
	o := newOrchestrator(t, &fakeLauncher{b: b})
	sess := startSession(t, "https://example.com", model.Predefined)

	list := []string{"googletagmanager.com", "cdn.example.com/app.js", "fonts.gstatic.com"}
	o.Run(context.Background(), sess, Request{PageURL: "https://example.com", Mode: model.Predefined, BlockList: list})

	snap := sess.Snapshot()
	assert.Equal(t, model.StatusCompleted, snap.Status)
	require.Len(t, snap.Results, len(list)+2)
	assert.Equal(t, []string{"00", "01", "02", "03", "99"}, prefixes(snap.Results))

	assert.Equal(t, "_reference", snap.Results[0].Suffix)
	assert.Equal(t, model.ReferenceItem, snap.Results[0].BlockedItem)
	for i, r := range snap.Results[1:4] {
		assert.Equal(t, "_predefined", r.Suffix)
		assert.Equal(t, list[i], r.BlockedItem)
	}
	assert.Equal(t, "_all", snap.Results[4].Suffix)
	assert.Equal(t, model.BlockAllItem, snap.Results[4].BlockedItem)

	ref, ok := b.caseByName("reference")
	require.True(t, ok)
	assert.Nil(t, ref.Block)

	single, ok := b.caseByName("cdn.example.com/app.js")
	require.True(t, ok)
	require.NotNil(t, single.Block)
	assert.True(t, single.Block("https://cdn.example.com/app.js?v=3"))
	assert.False(t, single.Block("https://fonts.gstatic.com/s/roboto.woff2"))

	all, ok := b.caseByName("all")
	require.True(t, ok)
	require.NotNil(t, all.Block)
	assert.True(t, all.Block("https://fonts.gstatic.com/s/roboto.woff2"))
	assert.False(t, all.Block("https://example.com/index.css"))

	assert.Contains(t, strings.Join(snap.Log, "\n"), "--- Browser tests finished ---")
	assert.GreaterOrEqual(t, b.closed.Load(), int32(1))
}

func TestRun_BatchesBoundConcurrency(t *testing.T) {
	b := &fakeBrowser{}
	o := newOrchestrator(t, &fakeLauncher{b: b})
	o.Cfg.SuiteSettings.BatchSize = 3
	sess := startSession(t, "https://example.com", model.Predefined)

	list := make([]string, 8)
	for i := range list {
		list[i] = fmt.Sprintf("cdn%d.example.com", i)
	}
	o.Run(context.Background(), sess, Request{PageURL: "https://example.com", Mode: model.Predefined, BlockList: list})

	assert.LessOrEqual(t, b.peak.Load(), int32(3))

	// tests from a later batch never start before an earlier batch is complete
	b.mu.Lock()
	order := make([]int, 0, len(list))
	for _, tc := range b.cases {
		if tc.Suffix != "_predefined" {
			continue
		}
		var n int
		_, err := fmt.Sscanf(tc.Prefix, "%d", &n)
		require.NoError(t, err)
		order = append(order, (n-1)/3)
	}
	b.mu.Unlock()
	assert.True(t, sort.IntsAreSorted(order), "batches interleaved: %v", order)

	snap := sess.Snapshot()
	require.Len(t, snap.Results, len(list)+2)
	seen := make(map[string]bool)
	for _, p := range prefixes(snap.Results) {
		assert.False(t, seen[p], "duplicate prefix %s", p)
		seen[p] = true
	}
	assert.True(t, sort.SliceIsSorted(snap.Results, func(i, j int) bool {
		return snap.Results[i].Prefix < snap.Results[j].Prefix
	}))
}

func TestRun_InvalidURL(t *testing.T) {
	for _, pageURL := range []string{"", "example.com", "ftp://example.com", "https://"} {
		t.Run(pageURL, func(t *testing.T) {
			l := &fakeLauncher{b: &fakeBrowser{}}
			o := newOrchestrator(t, l)
			sess := startSession(t, pageURL, model.Predefined)

			o.Run(context.Background(), sess, Request{PageURL: pageURL, Mode: model.Predefined})

			snap := sess.Snapshot()
			assert.Equal(t, model.StatusError, snap.Status)
			assert.Empty(t, snap.Results)
			assert.Zero(t, l.launched.Load())
			assert.Contains(t, snap.Log[len(snap.Log)-1], "Invalid or missing URL")
		})
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	o := newOrchestrator(t, &fakeLauncher{err: errors.New("chrome not found")})
	sess := startSession(t, "https://example.com", model.Predefined)

	o.Run(context.Background(), sess, Request{PageURL: "https://example.com", Mode: model.Predefined})

	snap := sess.Snapshot()
	assert.Equal(t, model.StatusError, snap.Status)
	assert.Empty(t, snap.Results)
	assert.Contains(t, strings.Join(snap.Log, "\n"), "CRITICAL ERROR during browser execution")
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestRun_DiscoveryFailureKeepsPartialResults(t *testing.T) {
	b := &fakeBrowser{
		discovered:  []string{"https://cdn.example.com/a.js?v=1", "https://cdn.example.com/b.css"},
		discoverErr: errors.New("navigation timeout"),
	}
	o := newOrchestrator(t, &fakeLauncher{b: b})
	sess := startSession(t, "https://example.com", model.Discover)

	o.Run(context.Background(), sess, Request{PageURL: "https://example.com", Mode: model.Discover})

	snap := sess.Snapshot()
	assert.Equal(t, model.StatusCompleted, snap.Status)
	require.Len(t, snap.Results, 4)
	assert.Equal(t, "_discovered", snap.Results[1].Suffix)
	log := strings.Join(snap.Log, "\n")
	assert.Contains(t, log, "ERROR during discovery phase")
	assert.Contains(t, log, "Found 2 resource URL(s)")

	exact, ok := b.caseByName("https://cdn.example.com/a.js?v=1")
	require.True(t, ok)
	assert.True(t, exact.Block("https://cdn.example.com/a.js?v=1"))
	assert.False(t, exact.Block("https://cdn.example.com/a.js?v=2"))
}

func TestRun_EmptyListStillRunsCombinedTest(t *testing.T) {
	b := &fakeBrowser{}
	o := newOrchestrator(t, &fakeLauncher{b: b})
	sess := startSession(t, "https://example.com", model.Predefined)

	o.Run(context.Background(), sess, Request{PageURL: "https://example.com", Mode: model.Predefined})

	snap := sess.Snapshot()
	assert.Equal(t, model.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"00", "99"}, prefixes(snap.Results))
	log := strings.Join(snap.Log, "\n")
	assert.Contains(t, log, "No URLs found or defined to test for blocking")
	assert.Contains(t, log, "The list for combined blocking is empty")

	all, ok := b.caseByName("all")
	require.True(t, ok)
	assert.Nil(t, all.Block)
}

func TestRun_RobotsAnnotation(t *testing.T) {
	b := &fakeBrowser{}
	o := newOrchestrator(t, &fakeLauncher{b: b})
	o.Robots = &fakeRobots{disallowed: map[string]bool{"https://cdn.example.com/private.js": true}}
	sess := startSession(t, "https://example.com", model.Predefined)

	o.Run(context.Background(), sess, Request{
		PageURL:   "https://example.com",
		Mode:      model.Predefined,
		BlockList: []string{"cdn.example.com/private.js", "cdn.example.com/public.js"},
	})

	allowed := make(map[string]bool)
	for _, r := range sess.Snapshot().Results {
		allowed[r.Name] = r.RobotsAllowed
	}
	assert.Equal(t, map[string]bool{
		"reference":                  true,
		"cdn.example.com/private.js": false,
		"cdn.example.com/public.js":  true,
		"all":                        true,
	}, allowed)
}

func TestRun_PanicInTestBecomesErrorResult(t *testing.T) {
	b := &fakeBrowser{panicOn: "cdn.example.com"}
	o := newOrchestrator(t, &fakeLauncher{b: b})
	sess := startSession(t, "https://example.com", model.Predefined)

	assert.NotPanics(t, func() {
		o.Run(context.Background(), sess, Request{
			PageURL:   "https://example.com",
			Mode:      model.Predefined,
			BlockList: []string{"cdn.example.com", "fonts.gstatic.com"},
		})
	})

	snap := sess.Snapshot()
	assert.Equal(t, model.StatusCompleted, snap.Status)
	require.Len(t, snap.Results, 4)
	failed := snap.Results[1]
	assert.Equal(t, "01", failed.Prefix)
	assert.True(t, failed.Error)
	assert.Equal(t, "boom", failed.ErrorMessage)
	assert.Equal(t, "01_cdn.example.com_predefined_ERROR.png", failed.ScreenshotFile)
	assert.False(t, snap.Results[2].Error)
}

func TestRun_Sinks(t *testing.T) {
	o := newOrchestrator(t, nil)
	b := &fakeBrowser{outputDir: o.Cfg.SuiteSettings.OutputDir}
	o.Launcher = &fakeLauncher{b: b}
	s3 := &fakeS3{}
	db := &fakeDb{}
	reports := make(chan *model.RunReport, 1)
	o.S3, o.Db, o.ReportChan = s3, db, reports
	sess := startSession(t, "https://example.com", model.Predefined)

	o.Run(context.Background(), sess, Request{
		PageURL:   "https://example.com",
		Mode:      model.Predefined,
		BlockList: []string{"cdn.example.com"},
	})

	assert.Len(t, s3.paths, 3)
	require.Len(t, db.saved, 1)
	saved := db.saved[0]
	assert.Equal(t, sess.Snapshot().ID, saved.RunID)
	assert.Equal(t, model.StatusCompleted, saved.Status)
	assert.Equal(t, "predefined", saved.Mode)
	require.Len(t, saved.Results, 3)
	for _, r := range saved.Results {
		assert.Equal(t, fmt.Sprintf("https://bucket/%s/%s", saved.RunID, r.ScreenshotFile), r.ArchiveURL)
	}

	select {
	case r := <-reports:
		assert.Equal(t, saved.RunID, r.RunID)
	default:
		t.Fatal("report was not published")
	}
}

func TestBlockAllPrefix(t *testing.T) {
	assert.Equal(t, "99", blockAllPrefix(0))
	assert.Equal(t, "99", blockAllPrefix(98))
	assert.Equal(t, "100", blockAllPrefix(99))
	assert.Equal(t, "151", blockAllPrefix(150))
}

func TestRobotsTarget(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/a.js", robotsTarget("cdn.example.com/a.js"))
	assert.Equal(t, "https://cdn.example.com/a.js", robotsTarget("//cdn.example.com/a.js"))
	assert.Equal(t, "http://cdn.example.com/a.js", robotsTarget("http://cdn.example.com/a.js"))
}
