package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// setup applies the crawler user agent and, when filter is set, pauses every request so
// the filter can fail it. The listener is registered before interception is enabled.
func (c *Chrome) setup(tabCtx context.Context, filter requestFilter) error {
	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(c.cfg.UserAgent),
		network.Enable(),
		enableLifeCycleEvents(),
	}
	if filter != nil {
		chromedp.ListenTarget(tabCtx, interceptRequests(tabCtx, filter, c.log))
		tasks = append(tasks, fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}))
	}
	return chromedp.Run(tabCtx, tasks)
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		err = page.SetLifecycleEventsEnabled(true).Do(ctx)
		if err != nil {
			return err
		}
		return nil
	}
}

// navigateAndWaitFor waits for the lifecycle event of the main frame's new document.
func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		events := make(chan *page.EventLifecycleEvent, 64)
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(cctx, func(ev interface{}) {
			if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == eventName {
				select {
				case events <- e:
				default:
				}
			}
		})

		frameID, loaderID, errorText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigate to %s: %s", url, errorText)
		}
		for {
			select {
			case e := <-events:
				if e.FrameID == frameID && e.LoaderID == loaderID {
					return nil
				}
			case <-ctx.Done():
				return fmt.Errorf("wait for %s: %w", eventName, ctx.Err())
			}
		}
	}
}

// isClosing reports errors caused by a target or context that is already going away.
func isClosing(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, chromedp.ErrChannelClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"Target closed", "No target with given id", "Invalid InterceptionId",
		"Session with given id not found", "context canceled"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
