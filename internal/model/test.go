package model

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

type Mode int

const (
	Predefined Mode = iota
	Discover
)

func (m Mode) String() string {
	switch m {
	case Predefined:
		return "predefined"
	case Discover:
		return "discover"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps the dashboard form value to a Mode. Anything except "discover" is Predefined.
func ParseMode(s string) Mode {
	if s == "discover" {
		return Discover
	}
	return Predefined
}

type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Active reports whether a run holds the session.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

const (
	ReferenceItem = "None (Reference)"
	BlockAllItem  = "BLOCK_ALL"
)

type TestResult struct {
	Name           string `json:"name"`
	ScreenshotFile string `json:"screenshot_file"`
	Error          bool   `json:"error"`
	ErrorMessage   string `json:"error_message,omitempty"`
	Prefix         string `json:"prefix"`
	Suffix         string `json:"suffix"`
	BlockedItem    string `json:"blocked_item"`
	RobotsAllowed  bool   `json:"robots_allowed"`
	ArchiveURL     string `json:"archive_url,omitempty"`
	TimeToRun      int64  `json:"time_to_run"` // in milliseconds
}

// SortResults orders results by numeric prefix, then suffix. Non-numeric prefixes go last.
func SortResults(results []TestResult) {
	key := func(p string) int {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 999
		}
		return n
	}
	sort.SliceStable(results, func(i, j int) bool {
		ki, kj := key(results[i].Prefix), key(results[j].Prefix)
		if ki != kj {
			return ki < kj
		}
		return results[i].Suffix < results[j].Suffix
	})
}

type RunReport struct {
	RunID      string       `json:"run_id"`
	PageURL    string       `json:"page_url"`
	Mode       string       `json:"mode"`
	Status     Status       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []TestResult `json:"results"`
}

type ImpactReport struct {
	URL                string  `json:"url"`
	NormalLoadMs       int64   `json:"normal_load_ms"`
	BlockedLoadMs      int64   `json:"blocked_load_ms"`
	DifferenceMs       int64   `json:"difference_ms"`
	ImprovementPercent float64 `json:"improvement_percent"`
}
