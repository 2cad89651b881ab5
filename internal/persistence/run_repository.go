package persistence

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/IliaW/resource-blocking-test/internal/model"
)

const saveTimeout = 10 * time.Second

type RunStorage interface {
	Save(*model.RunReport)
}

type RunRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewRunRepository(db *sql.DB, log *slog.Logger) *RunRepository {
	return &RunRepository{db: db, log: log}
}

// Save writes the run and all its results in one transaction.
func (rr *RunRepository) Save(report *model.RunReport) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	tx, err := rr.db.BeginTx(ctx, nil)
	if err != nil {
		rr.log.Error("failed to begin transaction.", slog.String("err", err.Error()))
		return
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				rr.log.Error("failed to rollback transaction.", slog.String("err", rbErr.Error()))
			}
		}
	}()

	_, err = tx.ExecContext(ctx, "INSERT INTO block_test_run (run_id, page_url, mode, status, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)",
		report.RunID,
		report.PageURL,
		report.Mode,
		string(report.Status),
		report.StartedAt,
		report.FinishedAt)
	if err != nil {
		rr.log.Error("failed to save run to database.", slog.String("err", err.Error()))
		return
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO block_test_result (run_id, prefix, suffix, name, blocked_item, screenshot_file, is_error, error_message, robots_allowed, archive_url, time_to_run) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		rr.log.Error("failed to prepare result statement.", slog.String("err", err.Error()))
		return
	}
	defer stmt.Close()
	for _, r := range report.Results {
		_, err = stmt.ExecContext(ctx,
			report.RunID,
			r.Prefix,
			r.Suffix,
			r.Name,
			r.BlockedItem,
			r.ScreenshotFile,
			r.Error,
			r.ErrorMessage,
			r.RobotsAllowed,
			r.ArchiveURL,
			r.TimeToRun)
		if err != nil {
			rr.log.Error("failed to save result to database.", slog.String("err", err.Error()))
			return
		}
	}

	if err = tx.Commit(); err != nil {
		rr.log.Error("failed to commit run.", slog.String("err", err.Error()))
		return
	}
	rr.log.Debug("run saved to db.", slog.String("run_id", report.RunID))
}
