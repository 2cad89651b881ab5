package browser

import (
	"context"
	"log/slog"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/IliaW/resource-blocking-test/internal/blocker"
)

type requestFilter func(*fetch.EventRequestPaused) bool

func urlFilter(p blocker.Predicate) requestFilter {
	if p == nil {
		return nil
	}
	return func(e *fetch.EventRequestPaused) bool {
		return p(e.Request.URL)
	}
}

var staticResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeStylesheet: true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeMedia:      true,
}

func staticAssetFilter(e *fetch.EventRequestPaused) bool {
	return staticResourceTypes[e.ResourceType]
}

// interceptRequests answers paused requests off the event loop: commands must not be
// issued from inside a listener.
func interceptRequests(tabCtx context.Context, filter requestFilter, log *slog.Logger) func(ev interface{}) {
	return func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(tabCtx)
			if c == nil || c.Target == nil {
				return
			}
			execCtx := cdp.WithExecutor(tabCtx, c.Target)
			var err error
			if filter(e) {
				err = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			} else {
				err = fetch.ContinueRequest(e.RequestID).Do(execCtx)
			}
			if err != nil && !isClosing(err) {
				log.Warn("error during request interception (might be normal).",
					slog.String("url", e.Request.URL), slog.String("err", err.Error()))
			}
		}()
	}
}
