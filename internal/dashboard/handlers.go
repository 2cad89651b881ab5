package dashboard

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/IliaW/resource-blocking-test/internal/browser"
	"github.com/IliaW/resource-blocking-test/internal/model"
	"github.com/IliaW/resource-blocking-test/internal/session"
	"github.com/IliaW/resource-blocking-test/internal/suite"
)

type indexView struct {
	Status    string
	Active    bool
	PageURL   string
	Discover  bool
	Log       []string
	Results   []model.TestResult
	BlockList []string
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	snap := s.sess.Snapshot()
	view := indexView{
		Status:    string(snap.Status),
		Active:    snap.Status.Active(),
		PageURL:   snap.PageURL,
		Discover:  snap.Mode == model.Discover,
		Log:       snap.Log,
		Results:   snap.Results,
		BlockList: s.cfg.SuiteSettings.PredefinedBlockList,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, view); err != nil {
		s.log.Error("failed to render index.", slog.String("err", err.Error()))
	}
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form.", http.StatusBadRequest)
		return
	}
	pageURL := strings.TrimSpace(r.PostForm.Get("page_url"))
	if pageURL == "" {
		http.Error(w, "URL is required.", http.StatusBadRequest)
		return
	}

	req := suite.Request{
		PageURL: pageURL,
		Mode:    model.ParseMode(r.PostForm.Get("mode")),
	}
	if req.Mode == model.Predefined {
		req.BlockList = s.cfg.SuiteSettings.PredefinedBlockList
		if _, ok := r.PostForm["url_list"]; ok {
			req.BlockList = parseURLList(r.PostForm.Get("url_list"))
		}
		if len(req.BlockList) == 0 {
			http.Error(w, "URL list is required for predefined mode.", http.StatusBadRequest)
			return
		}
	}

	if err := s.StartRun(req); err != nil {
		if errors.Is(err, session.ErrRunInProgress) {
			http.Error(w, "Tests are already in progress.", http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type statusResponse struct {
	Status model.Status `json:"status"`
	Log    []string     `json:"log"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap := s.sess.Snapshot()
	log := snap.Log
	if log == nil {
		log = []string{}
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: snap.Status, Log: log})
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	path, ok := resolveUnder(s.cfg.SuiteSettings.OutputDir, r.PathValue("filename"))
	if !ok {
		s.log.Warn("attempted unauthorized access blocked.", slog.String("filename", r.PathValue("filename")))
		http.NotFound(w, r)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, max-age=0")
	http.ServeFile(w, r, path)
}

func (s *Server) checkImpact(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a valid http(s) url is required"})
		return
	}

	b, err := s.launcher.Launch(r.Context(), nil)
	if err != nil {
		s.log.Error("failed to launch browser.", slog.String("err", err.Error()))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer b.Close()

	report, err := browser.CompareLoad(r.Context(), b, target)
	if err != nil {
		s.log.Error("failed to measure load impact.", slog.String("url", target), slog.String("err", err.Error()))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshaling error.", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func parseURLList(raw string) []string {
	var list []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			list = append(list, line)
		}
	}
	return list
}

// resolveUnder joins name onto dir and reports false when the result leaves dir.
func resolveUnder(dir, name string) (string, bool) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	path := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}
