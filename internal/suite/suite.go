// Package suite sequences one blocking-test run: reference, per-resource blocks in
// fixed-size concurrent batches, then everything blocked at once.
package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/IliaW/resource-blocking-test/internal/aws_s3"
	"github.com/IliaW/resource-blocking-test/internal/blocker"
	"github.com/IliaW/resource-blocking-test/internal/browser"
	"github.com/IliaW/resource-blocking-test/internal/discovery"
	"github.com/IliaW/resource-blocking-test/internal/filename"
	"github.com/IliaW/resource-blocking-test/internal/model"
	"github.com/IliaW/resource-blocking-test/internal/persistence"
	"github.com/IliaW/resource-blocking-test/internal/session"
)

var ErrInvalidURL = errors.New("invalid or missing URL")

type Launcher interface {
	Launch(ctx context.Context, logf browser.LogFunc) (browser.Browser, error)
}

type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL, userAgent string) bool
}

type Request struct {
	PageURL   string
	Mode      model.Mode
	BlockList []string // used in predefined mode
}

// Orchestrator runs suites. S3, Db and ReportChan are optional sinks for finished runs.
type Orchestrator struct {
	Launcher   Launcher
	Robots     RobotsChecker
	Cfg        *config.Config
	Log        *slog.Logger
	S3         aws_s3.BucketClient
	Db         persistence.RunStorage
	ReportChan chan<- *model.RunReport
}

// Run executes the suite to completion and leaves the final status on sess.
// It is meant to be called after sess.TryStart succeeded.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, req Request) {
	defer o.finish(ctx, sess)
	defer func() {
		if r := recover(); r != nil {
			o.Log.Error("PANIC!", slog.Any("err", r))
			sess.Logf("FATAL ERROR running tests: %v", r)
			sess.SetStatus(model.StatusError)
		}
	}()

	if err := o.run(ctx, sess, req); err != nil {
		if !errors.Is(err, ErrInvalidURL) {
			sess.Logf("--- CRITICAL ERROR during browser execution: %v ---", err)
		}
		sess.SetStatus(model.StatusError)
		return
	}
	sess.SetStatus(model.StatusCompleted)
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session, req Request) error {
	if !validPageURL(req.PageURL) {
		sess.Logf("ERROR: Invalid or missing URL. Please provide a valid URL starting with http:// or https://")
		return ErrInvalidURL
	}

	sess.SetStatus(model.StatusRunning)
	sess.Logf("--- Starting Browser Tests ---")
	sess.Logf("Target URL: %s", req.PageURL)
	if req.Mode == model.Discover {
		sess.Logf("Mode: Discovery (%s)", o.discoveryMode())
	} else {
		sess.Logf("Mode: Predefined List")
	}
	sess.Logf("Output Directory: %s", o.Cfg.SuiteSettings.OutputDir)

	b, err := o.Launcher.Launch(ctx, sess.Logf)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer b.Close()
	sess.Logf("Browser launched.")

	o.record(ctx, sess, b, browser.TestCase{
		PageURL:     req.PageURL,
		Prefix:      "00",
		Suffix:      "_reference",
		Name:        "reference",
		BlockedItem: model.ReferenceItem,
	}, req.PageURL)

	candidates, suffix := o.candidates(ctx, sess, b, req)
	rule := blocker.RuleFor(req.Mode, o.discoveryMode(), o.Cfg.SuiteSettings.BlockKeywords)

	if len(candidates) == 0 {
		sess.Logf("WARNING: No URLs found or defined to test for blocking.")
	} else {
		sess.Logf("--- Starting %d individual blocking tests ---", len(candidates))
	}
	batchSize := max(o.Cfg.SuiteSettings.BatchSize, 1)
	for start := 0; start < len(candidates); start += batchSize {
		end := min(start+batchSize, len(candidates))
		var g errgroup.Group
		for i := start; i < end; i++ {
			target := candidates[i]
			g.Go(func() error {
				o.record(ctx, sess, b, browser.TestCase{
					PageURL:     req.PageURL,
					Prefix:      fmt.Sprintf("%02d", i+1),
					Suffix:      suffix,
					Name:        target,
					FileKey:     target,
					BlockedItem: target,
					Block:       blocker.Single(target, rule.Single),
				}, robotsTarget(target))
				return nil
			})
		}
		// batch boundary: nothing from the next batch starts before this one is done
		_ = g.Wait()
		if err = ctx.Err(); err != nil {
			return err
		}
	}

	all := browser.TestCase{
		PageURL:     req.PageURL,
		Prefix:      blockAllPrefix(len(candidates)),
		Suffix:      "_all",
		Name:        "all",
		FileKey:     model.BlockAllItem,
		BlockedItem: model.BlockAllItem,
	}
	if len(candidates) == 0 {
		sess.Logf("  Warning: The list for combined blocking is empty.")
	} else {
		all.Block = blocker.Any(candidates, rule.All, rule.Keywords)
		sess.Logf("  Blocking rule enabled for ALL %d resources.", len(candidates))
	}
	o.record(ctx, sess, b, all, req.PageURL)

	b.Close()
	sess.Logf("--- Browser tests finished ---")
	sess.Logf("Screenshots saved in directory: %s", o.Cfg.SuiteSettings.OutputDir)
	sess.SortResults()

	return nil
}

func (o *Orchestrator) candidates(ctx context.Context, sess *session.Session, b browser.Browser,
	req Request) ([]string, string) {
	if req.Mode != model.Discover {
		sess.Logf("--- Using the predefined block list ---")
		return req.BlockList, "_predefined"
	}

	sess.Logf("--- Discovery Phase: Finding all resources ---")
	sess.Logf("WARNING: Discovery mode can be very slow and generate many screenshots.")
	found, err := b.Discover(ctx, req.PageURL, o.discoveryMode())
	if err != nil {
		// continue with whatever was seen before the failure
		sess.Logf("  ERROR during discovery phase: %v", err)
	}
	sess.Logf("--- Discovery complete: Found %d resource URL(s) ---", len(found))

	return found, "_discovered"
}

// record runs one test under its own deadline and always stores exactly one result.
func (o *Orchestrator) record(ctx context.Context, sess *session.Session, b browser.Browser,
	tc browser.TestCase, robotsURL string) {
	tctx, cancel := context.WithTimeout(ctx, o.Cfg.SuiteSettings.TestTimeout)
	defer cancel()

	result := o.runTest(tctx, sess, b, tc)
	result.RobotsAllowed = true
	if o.Robots != nil {
		result.RobotsAllowed = o.Robots.Allowed(ctx, robotsURL, o.Cfg.RobotsSettings.UserAgent)
	}
	sess.AddResult(result)
}

// runTest turns a panic inside one test into an error-flagged result.
func (o *Orchestrator) runTest(ctx context.Context, sess *session.Session, b browser.Browser,
	tc browser.TestCase) (result model.TestResult) {
	defer func() {
		if r := recover(); r != nil {
			o.Log.Error("PANIC!", slog.String("test", tc.Prefix), slog.Any("err", r))
			sess.Logf("  ERROR during test %s: %v", tc.Prefix, r)
			result = model.TestResult{
				Name:           tc.Name,
				ScreenshotFile: filename.ScreenshotName(tc.Prefix, tc.FileKey, tc.Suffix, true),
				Error:          true,
				ErrorMessage:   fmt.Sprintf("%v", r),
				Prefix:         tc.Prefix,
				Suffix:         tc.Suffix,
				BlockedItem:    tc.BlockedItem,
			}
		}
	}()

	return b.RunTest(ctx, tc)
}

func (o *Orchestrator) discoveryMode() discovery.Mode {
	return discovery.ParseMode(o.Cfg.SuiteSettings.DiscoveryMode)
}

// finish hands the report of a finished run to the configured sinks.
func (o *Orchestrator) finish(ctx context.Context, sess *session.Session) {
	if o.S3 != nil {
		o.archive(sess)
	}
	report := sess.Report()
	if o.Db != nil {
		o.Db.Save(&report)
	}
	if o.ReportChan != nil {
		select {
		case o.ReportChan <- &report:
		case <-ctx.Done():
			o.Log.Warn("run report dropped on shutdown.", slog.String("run_id", report.RunID))
		}
	}
}

func (o *Orchestrator) archive(sess *session.Session) {
	snap := sess.Snapshot()
	links := make(map[string]string, len(snap.Results))
	for _, r := range snap.Results {
		path := filepath.Join(o.Cfg.SuiteSettings.OutputDir, r.ScreenshotFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if link := o.S3.WriteScreenshot(snap.ID, path); link != "" {
			links[r.ScreenshotFile] = link
		}
	}
	sess.UpdateResults(func(results []model.TestResult) {
		for i := range results {
			results[i].ArchiveURL = links[results[i].ScreenshotFile]
		}
	})
}

func validPageURL(raw string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Host != ""
}

// robotsTarget turns predefined fragments like "cdn.example.com/x.js" into checkable URLs.
func robotsTarget(candidate string) string {
	if strings.Contains(candidate, "://") {
		return candidate
	}
	return "https://" + strings.TrimPrefix(candidate, "//")
}

// blockAllPrefix keeps the combined test last and its prefix unique.
func blockAllPrefix(candidates int) string {
	if candidates < 99 {
		return "99"
	}
	return fmt.Sprintf("%02d", candidates+1)
}
