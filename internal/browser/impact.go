package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/IliaW/resource-blocking-test/internal/model"
)

// MeasureLoad returns the time until the page's load event, optionally with images,
// stylesheets, fonts and media blocked.
func (c *Chrome) MeasureLoad(ctx context.Context, pageURL string, blockStatic bool) (time.Duration, error) {
	tabCtx, cancelTab := c.newTab(ctx)
	defer cancelTab()

	var filter requestFilter
	if blockStatic {
		filter = staticAssetFilter
	}
	if err := c.setup(tabCtx, filter); err != nil {
		return 0, fmt.Errorf("prepare tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(tabCtx, c.cfg.NavigationTimeout)
	defer cancel()
	start := time.Now()
	if err := chromedp.Run(navCtx, navigateAndWaitFor(pageURL, "load")); err != nil {
		return 0, err
	}

	return time.Since(start), nil
}

// CompareLoad measures the page twice and reports how much blocking static assets saves.
func CompareLoad(ctx context.Context, b Browser, pageURL string) (*model.ImpactReport, error) {
	normal, err := b.MeasureLoad(ctx, pageURL, false)
	if err != nil {
		return nil, fmt.Errorf("measure normal load: %w", err)
	}
	blocked, err := b.MeasureLoad(ctx, pageURL, true)
	if err != nil {
		return nil, fmt.Errorf("measure blocked load: %w", err)
	}

	report := &model.ImpactReport{
		URL:           pageURL,
		NormalLoadMs:  normal.Milliseconds(),
		BlockedLoadMs: blocked.Milliseconds(),
		DifferenceMs:  normal.Milliseconds() - blocked.Milliseconds(),
	}
	if report.NormalLoadMs > 0 {
		pct := float64(report.DifferenceMs) / float64(report.NormalLoadMs) * 100
		report.ImprovementPercent = float64(int64(pct*100)) / 100
	}

	return report, nil
}
