package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/IliaW/resource-blocking-test/internal/dashboard"
	"github.com/IliaW/resource-blocking-test/internal/model"
	"github.com/IliaW/resource-blocking-test/internal/session"
	"github.com/IliaW/resource-blocking-test/internal/suite"
)

var errRunFailed = errors.New("test run finished with errors")

func newRootCmd() *cobra.Command {
	var configFile string

	serve := newServeCmd()
	cmd := &cobra.Command{
		Use:           "resource-blocking-test",
		Short:         "Screenshot a page with each third-party resource blocked in turn",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			bindFlags(cmd)
			cfg = config.MustLoad(configFile)
			log = setupLogger()
		},
		RunE: serve.RunE,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the config file (default ./config.yaml)")
	// serve is the default command, so the root accepts its flags too
	cmd.Flags().AddFlagSet(serve.Flags())
	cmd.Flags().SetNormalizeFunc(discoverAlias)

	cmd.AddCommand(serve)
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

var flagKeys = map[string]string{
	"port":         "port",
	"url":          "suite.page_url",
	"discover-all": "suite.discover_all",
}

// bindFlags binds the flags of the command being executed to their config keys.
func bindFlags(cmd *cobra.Command) {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

func addSuiteFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "Page URL to test")
	cmd.Flags().Bool("discover-all", false, "Block every discovered resource instead of the predefined list (slow)")
	cmd.Flags().SetNormalizeFunc(discoverAlias)
}

func discoverAlias(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "discover" {
		name = "discover-all"
	}
	return pflag.NormalizedName(name)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	cmd.Flags().String("port", "5001", "Port for the dashboard")
	addSuiteFlags(cmd)

	return cmd
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := setupApp()
	mode := suiteMode()
	sess := session.New(log)
	sess.SetDefaults(cfg.SuiteSettings.PageURL, mode)
	srv := dashboard.NewServer(ctx, sess, a.orch, a.launcher, cfg, log)

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		log.Info("starting dashboard on http://"+httpSrv.Addr, slog.String("env", cfg.Env))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	if cfg.SuiteSettings.PageURL != "" {
		if err := srv.StartRun(newRequest(cfg.SuiteSettings.PageURL, mode)); err != nil {
			log.Error("failed to start initial run.", slog.String("err", err.Error()))
		}
	}

	// Graceful shutdown.
	// 1. Stop accepting requests
	// 2. Wait till the active run returns, its browser is killed by the cancelled context
	// 3. Drain the Kafka producer. Close database and memcached connections
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errChan:
	}
	log.Info("stopping server...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown http server.", slog.String("err", err.Error()))
	}
	srv.Wait()
	a.close()

	return serveErr
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one test suite without the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.SuiteSettings.PageURL == "" {
				return errors.New("--url is required")
			}
			return runOnce()
		},
	}
	addSuiteFlags(cmd)

	return cmd
}

func runOnce() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := setupApp()
	defer a.close()

	req := newRequest(cfg.SuiteSettings.PageURL, suiteMode())
	sess := session.New(log)
	if _, err := sess.TryStart(req.PageURL, req.Mode); err != nil {
		return err
	}
	a.orch.Run(ctx, sess, req)

	snap := sess.Snapshot()
	for _, r := range snap.Results {
		log.Info("test result.",
			slog.String("prefix", r.Prefix),
			slog.String("blocked", r.BlockedItem),
			slog.String("screenshot", r.ScreenshotFile),
			slog.Bool("error", r.Error),
			slog.Bool("robots_allowed", r.RobotsAllowed))
	}
	if snap.Status == model.StatusError {
		return errRunFailed
	}

	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s/%s)\n", cfg.ServiceName, cfg.Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}

func suiteMode() model.Mode {
	if cfg.SuiteSettings.DiscoverAll {
		return model.Discover
	}
	return model.Predefined
}

func newRequest(pageURL string, mode model.Mode) suite.Request {
	req := suite.Request{PageURL: pageURL, Mode: mode}
	if mode == model.Predefined {
		req.BlockList = cfg.SuiteSettings.PredefinedBlockList
	}
	return req
}
