package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/IliaW/resource-blocking-test/internal/discovery"
)

// Discover loads pageURL without blocking and returns the resources it fetched.
// On navigation failure the resources seen so far are returned along with the error.
func (c *Chrome) Discover(ctx context.Context, pageURL string, mode discovery.Mode) ([]string, error) {
	acc, err := discovery.NewAccumulator(pageURL, mode)
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := c.newTab(ctx)
	defer cancelTab()

	listenCtx, stopListening := context.WithCancel(tabCtx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Response != nil {
			acc.Observe(e.Response.URL)
		}
	})

	if err = c.setup(tabCtx, nil); err != nil {
		return nil, fmt.Errorf("prepare discovery tab: %w", err)
	}

	c.logf("  Navigating to %s for discovery...", pageURL)
	navCtx, cancel := context.WithTimeout(tabCtx, c.cfg.DiscoveryTimeout)
	defer cancel()
	err = chromedp.Run(navCtx, navigateAndWaitFor(pageURL, "networkIdle"))
	// the listener must not outlive the pass
	stopListening()
	if err != nil {
		return acc.Resources(), err
	}
	c.logf("  Page loaded ('networkidle'). Discovery finished.")

	return acc.Resources(), nil
}
