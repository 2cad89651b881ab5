// Package session holds the state of the dashboard's single active test run.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IliaW/resource-blocking-test/internal/model"
)

var ErrRunInProgress = errors.New("tests are already in progress")

// Session is shared between the background run and HTTP handlers. All access goes through its methods.
type Session struct {
	mu         sync.RWMutex
	id         string
	status     model.Status
	pageURL    string
	mode       model.Mode
	logLines   []string
	results    []model.TestResult
	startedAt  time.Time
	finishedAt time.Time
	log        *slog.Logger
	now        func() time.Time
}

// Snapshot is a copy of the session state, safe to read without locking.
type Snapshot struct {
	ID         string
	Status     model.Status
	PageURL    string
	Mode       model.Mode
	Log        []string
	Results    []model.TestResult
	StartedAt  time.Time
	FinishedAt time.Time
}

func New(log *slog.Logger) *Session {
	return &Session{
		status: model.StatusIdle,
		log:    log,
		now:    time.Now,
	}
}

// SetDefaults records the URL and mode shown in the start form before any run happened.
func (s *Session) SetDefaults(pageURL string, mode model.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == model.StatusIdle {
		s.pageURL = pageURL
		s.mode = mode
	}
}

// TryStart claims the session for a new run. The check and the transition happen under one lock.
func (s *Session) TryStart(pageURL string, mode model.Mode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Active() {
		return "", ErrRunInProgress
	}
	s.id = uuid.NewString()
	s.status = model.StatusStarting
	s.pageURL = pageURL
	s.mode = mode
	s.results = nil
	s.logLines = []string{"Test run requested..."}
	s.startedAt = s.now()
	s.finishedAt = time.Time{}

	return s.id, nil
}

func (s *Session) SetStatus(status model.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if status == model.StatusCompleted || status == model.StatusError {
		s.finishedAt = s.now()
	}
}

func (s *Session) Status() model.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Logf appends a timestamped line to the run log and mirrors it to the service logger.
func (s *Session) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.logLines = append(s.logLines, fmt.Sprintf("[%s] %s", s.now().Format(time.DateTime), msg))
	id := s.id
	s.mu.Unlock()
	s.log.Info(msg, slog.String("run_id", id))
}

func (s *Session) AddResult(r model.TestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

// UpdateResults applies fn to the results in place under the lock.
func (s *Session) UpdateResults(fn func([]model.TestResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.results)
}

func (s *Session) SortResults() {
	s.UpdateResults(model.SortResults)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:         s.id,
		Status:     s.status,
		PageURL:    s.pageURL,
		Mode:       s.mode,
		Log:        append([]string(nil), s.logLines...),
		Results:    append([]model.TestResult(nil), s.results...),
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
}

func (s *Session) Report() model.RunReport {
	snap := s.Snapshot()
	return model.RunReport{
		RunID:      snap.ID,
		PageURL:    snap.PageURL,
		Mode:       snap.Mode.String(),
		Status:     snap.Status,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
		Results:    snap.Results,
	}
}
