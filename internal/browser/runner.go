package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/IliaW/resource-blocking-test/internal/filename"
	"github.com/IliaW/resource-blocking-test/internal/model"
)

const screenshotTimeout = 30 * time.Second

// RunTest always returns a result. Failures at any stage are recorded on it, never returned.
func (c *Chrome) RunTest(ctx context.Context, tc TestCase) model.TestResult {
	startTime := time.Now()
	result := model.TestResult{
		Name:           tc.Name,
		ScreenshotFile: filename.ScreenshotName(tc.Prefix, tc.FileKey, tc.Suffix, false),
		Prefix:         tc.Prefix,
		Suffix:         tc.Suffix,
		BlockedItem:    tc.BlockedItem,
	}
	errorFile := filename.ScreenshotName(tc.Prefix, tc.FileKey, tc.Suffix, true)
	c.logf("--- Test %s: Blocking '%s' ---", tc.Prefix, tc.BlockedItem)

	tabCtx, cancelTab := c.newTab(ctx)
	defer cancelTab()

	if err := c.setup(tabCtx, urlFilter(tc.Block)); err != nil {
		c.logf("  ERROR during context creation/management for %s: %v", tc.Name, err)
		result.Error = true
		result.ErrorMessage = fmt.Sprintf("Context error: %v", err)
		result.ScreenshotFile = errorFile
		result.TimeToRun = time.Since(startTime).Milliseconds()
		return result
	}
	if tc.Block != nil {
		c.logf("  Blocking rule enabled for: %s", tc.BlockedItem)
	}

	c.logf("  Navigating to %s...", tc.PageURL)
	path := filepath.Join(c.outputDir, result.ScreenshotFile)
	err := c.loadAndCapture(tabCtx, tc.PageURL, path)
	if err != nil {
		c.logf("  ERROR during navigation/screenshot for %s: %v", tc.Name, err)
		result.Error = true
		result.ErrorMessage = err.Error()
		result.ScreenshotFile = errorFile
		c.errorScreenshot(tabCtx, filepath.Join(c.outputDir, errorFile))
	} else {
		c.logf("  Screenshot saved: %s", path)
	}
	result.TimeToRun = time.Since(startTime).Milliseconds()

	return result
}

func (c *Chrome) loadAndCapture(tabCtx context.Context, pageURL, path string) error {
	navCtx, cancel := context.WithTimeout(tabCtx, c.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(navCtx, navigateAndWaitFor(pageURL, "networkIdle")); err != nil {
		return err
	}
	c.logf("  Page loaded ('networkidle'). Taking screenshot...")

	shotCtx, cancelShot := context.WithTimeout(tabCtx, c.cfg.ScreenshotDelay+screenshotTimeout)
	defer cancelShot()
	var buf []byte
	err := chromedp.Run(shotCtx,
		chromedp.Sleep(c.cfg.ScreenshotDelay),
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}

	return os.WriteFile(path, buf, 0o644)
}

// errorScreenshot is best effort: the page may be blank or already gone.
func (c *Chrome) errorScreenshot(tabCtx context.Context, path string) {
	if tabCtx.Err() != nil {
		c.logf("  Could not take screenshot even after error: %v", tabCtx.Err())
		return
	}
	ctx, cancel := context.WithTimeout(tabCtx, screenshotTimeout)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		c.logf("  Could not take screenshot even after error: %v", err)
		return
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		c.log.Error("failed to write error screenshot.", slog.String("path", path),
			slog.String("err", err.Error()))
		return
	}
	c.logf("  Error screenshot saved: %s", path)
}
