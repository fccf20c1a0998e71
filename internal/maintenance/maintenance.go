// Package maintenance bounds the database's WAL file size and reclaims free
// pages on a fixed cadence. Every failure is logged and swallowed; nothing
// in here may take the engine down.
package maintenance

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/kanbanforge/internal/config"
	"github.com/alekspetrov/kanbanforge/internal/logging"
)

// Loop is the periodic WAL checkpoint / vacuum job.
type Loop struct {
	db     *sql.DB
	dbPath string
	cfg    *config.MaintenanceConfig
	cron   *cron.Cron
	log    *slog.Logger
}

// NewLoop builds a maintenance loop over the store's pool. dbPath is the
// database file; the WAL sibling is derived from it.
func NewLoop(db *sql.DB, dbPath string, cfg *config.MaintenanceConfig) *Loop {
	if cfg == nil {
		cfg = config.DefaultMaintenanceConfig()
	}
	return &Loop{
		db:     db,
		dbPath: dbPath,
		cfg:    cfg,
		cron:   cron.New(),
		log:    logging.WithComponent("maintenance"),
	}
}

// Start schedules the loop on its configured interval. It returns
// immediately; Stop cancels the schedule.
func (l *Loop) Start(ctx context.Context) error {
	_, err := l.cron.AddFunc("@every "+l.cfg.Interval.String(), func() {
		l.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	l.cron.Start()
	l.log.Info("maintenance loop started", slog.Duration("interval", l.cfg.Interval))
	return nil
}

// Stop cancels the schedule and waits for an in-flight run to finish.
func (l *Loop) Stop() {
	<-l.cron.Stop().Done()
}

// RunOnce executes one maintenance cycle:
//
//   - WAL above the ceiling: passive checkpoint, then a restart checkpoint
//     if still above.
//   - Any WAL present: opportunistic passive checkpoint.
//   - Freelist bytes above the vacuum gate while the WAL is small: VACUUM
//     followed by a truncating checkpoint. The small-WAL guard keeps VACUUM
//     from stalling behind a large pending checkpoint.
func (l *Loop) RunOnce(ctx context.Context) {
	walBytes := l.walSize()

	switch {
	case walBytes > l.cfg.WALCeilingBytes:
		l.checkpoint(ctx, "PASSIVE")
		if l.walSize() > l.cfg.WALCeilingBytes {
			l.checkpoint(ctx, "RESTART")
		}
	case walBytes > 0:
		l.checkpoint(ctx, "PASSIVE")
	}

	pageSize, freelist, ok := l.pageStats(ctx)
	if !ok {
		return
	}
	freeBytes := pageSize * freelist
	if freeBytes > l.cfg.VacuumFreelistBytes && l.walSize() < l.cfg.VacuumWALGuardBytes {
		l.log.Info("vacuuming", slog.Int64("freelist_bytes", freeBytes))
		if _, err := l.db.ExecContext(ctx, "VACUUM"); err != nil {
			l.log.Warn("vacuum failed", slog.Any("error", err))
			return
		}
		l.checkpoint(ctx, "TRUNCATE")
	}
}

func (l *Loop) walSize() int64 {
	info, err := os.Stat(l.dbPath + "-wal")
	if err != nil {
		return 0
	}
	return info.Size()
}

func (l *Loop) checkpoint(ctx context.Context, mode string) {
	if _, err := l.db.ExecContext(ctx, "PRAGMA wal_checkpoint("+mode+")"); err != nil {
		l.log.Warn("wal checkpoint failed", slog.String("mode", mode), slog.Any("error", err))
	}
}

func (l *Loop) pageStats(ctx context.Context) (pageSize, freelist int64, ok bool) {
	if err := l.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		l.log.Warn("read page_size failed", slog.Any("error", err))
		return 0, 0, false
	}
	if err := l.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freelist); err != nil {
		l.log.Warn("read freelist_count failed", slog.Any("error", err))
		return 0, 0, false
	}
	return pageSize, freelist, true
}
