package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lmittmann/tint"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/IliaW/resource-blocking-test/internal/aws_s3"
	"github.com/IliaW/resource-blocking-test/internal/broker"
	"github.com/IliaW/resource-blocking-test/internal/browser"
	robotsCache "github.com/IliaW/resource-blocking-test/internal/cache"
	"github.com/IliaW/resource-blocking-test/internal/model"
	"github.com/IliaW/resource-blocking-test/internal/persistence"
	"github.com/IliaW/resource-blocking-test/internal/robots"
	"github.com/IliaW/resource-blocking-test/internal/suite"
)

var (
	cfg *config.Config
	log *slog.Logger
	db  *sql.DB
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds the orchestrator and everything that has to be released on shutdown.
type app struct {
	orch       *suite.Orchestrator
	launcher   *browser.ChromeLauncher
	store      robotsCache.RobotsStore
	reportChan chan *model.RunReport
	kafkaWg    *sync.WaitGroup
}

func setupApp() *app {
	a := &app{kafkaWg: &sync.WaitGroup{}}
	a.launcher = browser.NewChromeLauncher(cfg.BrowserSetting, cfg.SuiteSettings.OutputDir, log)
	if cfg.RobotsSettings.UseMemcached {
		a.store = robotsCache.NewMemcachedClient(cfg.CacheSettings, log)
	} else {
		a.store = robotsCache.NewLocalStore()
	}

	a.orch = &suite.Orchestrator{
		Launcher: a.launcher,
		Robots:   robots.NewChecker(cfg.RobotsSettings, a.store, log),
		Cfg:      cfg,
		Log:      log,
	}
	if cfg.S3Settings.Enabled {
		a.orch.S3 = aws_s3.NewS3BucketClient(cfg.S3Settings, log)
	}
	if cfg.DbSettings.Enabled {
		db = setupDatabase()
		a.orch.Db = persistence.NewRunRepository(db, log)
	}
	if cfg.KafkaSettings.Producer.Enabled {
		a.reportChan = make(chan *model.RunReport, 10)
		a.orch.ReportChan = a.reportChan
		a.kafkaWg.Add(1)
		go broker.NewKafkaProducer(a.reportChan, cfg.KafkaSettings.Producer, log, a.kafkaWg).Run()
	}

	return a
}

// close drains the producer and releases connections. No run may be in flight.
func (a *app) close() {
	if a.reportChan != nil {
		close(a.reportChan)
		log.Info("close reportChan.")
		a.kafkaWg.Wait()
	}
	a.store.Close()
	if db != nil {
		closeDatabase()
	}
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			TimeFormat:  time.DateTime,
			NoColor:     false}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...")
	sqlCfg := mysql.Config{
		User:                 cfg.DbSettings.User,
		Passwd:               cfg.DbSettings.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
		DBName:               cfg.DbSettings.Name,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			log.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				log.Error("failed to establish database connection.")
				os.Exit(1)
			}
			log.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
