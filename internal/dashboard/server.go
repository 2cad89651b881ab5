// Package dashboard serves the web front end: start form, live status polling,
// screenshot files and the load-impact probe.
package dashboard

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/IliaW/resource-blocking-test/internal/session"
	"github.com/IliaW/resource-blocking-test/internal/suite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed templates/index.html
var templates embed.FS

// Runner starts suites in the background. *suite.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, sess *session.Session, req suite.Request)
}

type Server struct {
	sess     *session.Session
	runner   Runner
	launcher suite.Launcher
	cfg      *config.Config
	log      *slog.Logger
	tmpl     *template.Template
	// runs outlive the request that started them
	runCtx context.Context
	runs   sync.WaitGroup
}

func NewServer(runCtx context.Context, sess *session.Session, runner Runner, launcher suite.Launcher,
	cfg *config.Config, log *slog.Logger) *Server {
	tmpl := template.Must(template.New("index.html").Funcs(template.FuncMap{
		"capitalize": capitalize,
		"join":       strings.Join,
	}).ParseFS(templates, "templates/index.html"))

	return &Server{
		sess:     sess,
		runner:   runner,
		launcher: launcher,
		cfg:      cfg,
		log:      log,
		tmpl:     tmpl,
		runCtx:   runCtx,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.index)
	mux.HandleFunc("POST /start", s.start)
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("GET /screenshots/{filename...}", s.screenshot)
	mux.HandleFunc("GET /check_impact", s.checkImpact)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return rejectTraversal(mux)
}

// rejectTraversal answers 404 for screenshot paths with ".." segments. The mux would
// otherwise redirect them to the cleaned path outside /screenshots/.
func rejectTraversal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/screenshots/") {
			for _, seg := range strings.Split(r.URL.Path, "/") {
				if seg == ".." {
					http.NotFound(w, r)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// StartRun claims the session and runs the suite in the background.
func (s *Server) StartRun(req suite.Request) error {
	id, err := s.sess.TryStart(req.PageURL, req.Mode)
	if err != nil {
		return err
	}
	s.log.Info("test run started.", slog.String("run_id", id), slog.String("url", req.PageURL),
		slog.String("mode", req.Mode.String()))
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.runner.Run(s.runCtx, s.sess, req)
	}()
	return nil
}

// Wait blocks until the background run, if any, has returned.
func (s *Server) Wait() {
	s.runs.Wait()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
