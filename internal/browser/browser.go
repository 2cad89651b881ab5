// Package browser drives headless Chrome through chromedp: isolated blocking tests with
// full-page screenshots, resource discovery passes and load-time probes.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/IliaW/resource-blocking-test/internal/blocker"
	"github.com/IliaW/resource-blocking-test/internal/discovery"
	"github.com/IliaW/resource-blocking-test/internal/model"
)

type LogFunc func(format string, args ...any)

// TestCase describes one screenshot run. Block is nil for the reference run.
type TestCase struct {
	PageURL     string
	Prefix      string
	Suffix      string
	Name        string // shown in the dashboard
	FileKey     string // sanitized into the screenshot name
	BlockedItem string
	Block       blocker.Predicate
}

type Browser interface {
	RunTest(ctx context.Context, tc TestCase) model.TestResult
	Discover(ctx context.Context, pageURL string, mode discovery.Mode) ([]string, error)
	MeasureLoad(ctx context.Context, pageURL string, blockStatic bool) (time.Duration, error)
	Close()
}

type ChromeLauncher struct {
	cfg       *config.BrowserConfig
	outputDir string
	log       *slog.Logger
}

func NewChromeLauncher(cfg *config.BrowserConfig, outputDir string, log *slog.Logger) *ChromeLauncher {
	return &ChromeLauncher{cfg: cfg, outputDir: outputDir, log: log}
}

// Chrome is one browser process. Every test opens its own browser context inside it.
type Chrome struct {
	cfg           *config.BrowserConfig
	outputDir     string
	log           *slog.Logger
	logf          LogFunc
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	closeOnce     sync.Once
}

// Launch starts Chrome and waits until it accepts commands.
func (l *ChromeLauncher) Launch(ctx context.Context, logf LogFunc) (Browser, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if err := os.MkdirAll(l.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
		chromedp.DisableGPU,
	)
	if !l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			l.log.Debug("chromedp: " + fmt.Sprintf(format, args...))
		}))
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	l.log.Info("browser launched.")

	return &Chrome{
		cfg:           l.cfg,
		outputDir:     l.outputDir,
		log:           l.log,
		logf:          logf,
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
	}, nil
}

// Close shuts the browser down. Safe to call more than once.
func (c *Chrome) Close() {
	c.closeOnce.Do(func() {
		if err := chromedp.Cancel(c.browserCtx); err != nil && !isClosing(err) {
			c.log.Warn("failed to close browser.", slog.String("err", err.Error()))
		}
		c.cancelBrowser()
		c.cancelAlloc()
		c.log.Info("browser closed.")
	})
}

// newTab opens a target in a fresh browser context (own cookies, cache and storage).
// The tab is also released when ctx is done.
func (c *Chrome) newTab(ctx context.Context) (context.Context, context.CancelFunc) {
	tabCtx, cancelTab := chromedp.NewContext(c.browserCtx, chromedp.WithNewBrowserContext())
	stop := context.AfterFunc(ctx, cancelTab)
	return tabCtx, func() {
		stop()
		cancelTab()
	}
}
