// Package robots answers whether a crawler user agent may fetch a URL according to the site's robots.txt.
package robots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/IliaW/resource-blocking-test/config"
	robotsCache "github.com/IliaW/resource-blocking-test/internal/cache"
	"github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

const maxRobotsSize = 512 * 1024

// Checker fails open: any problem with the URL, the fetch or the parse yields "allowed".
// Neither cache evicts, so a robots.txt is fetched at most once per host per process.
type Checker struct {
	client    *http.Client
	store     robotsCache.RobotsStore
	decisions *cache.Cache
	limiter   *rate.Limiter
	log       *slog.Logger
}

func NewChecker(cfg *config.RobotsConfig, store robotsCache.RobotsStore, log *slog.Logger) *Checker {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Checker{
		client:    &http.Client{Timeout: cfg.FetchTimeout},
		store:     store,
		decisions: cache.New(cache.NoExpiration, 0),
		limiter:   rate.NewLimiter(limit, 1),
		log:       log,
	}
}

// Allowed never returns an error to the caller.
func (c *Checker) Allowed(ctx context.Context, rawURL, userAgent string) bool {
	allowed, err := c.check(ctx, rawURL, userAgent)
	if err != nil {
		c.log.Warn("robots check failed. Treat as allowed.", slog.String("url", rawURL),
			slog.String("err", err.Error()))
		return true
	}
	return allowed
}

func (c *Checker) check(ctx context.Context, rawURL, userAgent string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true, fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		c.log.Debug("url without host. Treat as allowed.", slog.String("url", rawURL))
		return true, nil
	}

	target := u.RequestURI()
	key := u.Host + "|" + userAgent + "|" + target
	if v, ok := c.decisions.Get(key); ok {
		return v.(bool), nil
	}

	body, err := c.robotsBody(ctx, u)
	if err != nil {
		return true, err
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return true, fmt.Errorf("parse robots.txt for host %s: %w", u.Host, err)
	}
	allowed := data.TestAgent(target, userAgent)
	c.decisions.Set(key, allowed, cache.NoExpiration)

	return allowed, nil
}

// robotsBody returns the cached or freshly fetched robots.txt of the URL's host.
// Fetch failures and non-200 responses are stored as an empty body. A fetch cut short by
// ctx is neither stored nor turned into a decision.
func (c *Checker) robotsBody(ctx context.Context, u *url.URL) ([]byte, error) {
	if body, ok := c.store.GetRobots(u.Host); ok {
		return body, nil
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	body, err := c.fetch(ctx, robotsURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch robots.txt for host %s: %w", u.Host, ctx.Err())
		}
		c.log.Warn("failed to fetch robots.txt. Allow all for the host.", slog.String("url", robotsURL),
			slog.String("err", err.Error()))
		body = []byte{}
	}
	c.store.SaveRobots(u.Host, body)

	return body, nil
}

func (c *Checker) fetch(ctx context.Context, robotsURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	t := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Debug("robots.txt not available.", slog.String("url", robotsURL),
			slog.Int("status_code", resp.StatusCode))
		return []byte{}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt body: %w", err)
	}
	c.log.Debug("robots.txt fetched.", slog.String("url", robotsURL),
		slog.Int64("time_to_fetch", time.Since(t).Milliseconds()))

	return body, nil
}
