// Package store is the durable SQLite-backed state layer for projects,
// tasks, attempts, execution processes, their logs, and merges. It owns
// connection setup (WAL mode, PRAGMAs, busy timeout) and embedded
// migrations; the maintenance loop and the rest of the engine build on top
// of the *Store returned here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/alekspetrov/kanbanforge/internal/logging"
)

// AfterConnectHook is invoked once per new physical connection, after the
// standard PRAGMAs have been applied. Register one with WithAfterConnect to
// get change-notification wiring (e.g. EventBus) without Store knowing about
// its subscribers.
type AfterConnectHook func(ctx context.Context, conn *sql.Conn) error

// Store wraps a pooled *sql.DB configured for WAL-mode SQLite with the
// PRAGMAs the engine requires, plus the CRUD surface over the domain
// entities.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	afterConnect []AfterConnectHook
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithAfterConnect registers a hook run on every new physical connection
// after the built-in PRAGMAs. Hooks are invoked in registration order;
// registering more than once composes them rather than replacing.
func WithAfterConnect(hook AfterConnectHook) Option {
	return func(s *Store) {
		s.afterConnect = append(s.afterConnect, hook)
	}
}

// Open opens (creating if necessary) a WAL-mode SQLite database at path,
// applies the per-connection PRAGMAs the engine relies on, runs a
// best-effort startup wal_checkpoint(TRUNCATE), and runs embedded
// migrations. path may be ":memory:" for tests, in which case a single
// connection is pinned so state is not lost between pool checkouts.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, log: logging.WithComponent("store")}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Best-effort recovery of stale WAL from a previous run. Failure here is
	// non-fatal -- the maintenance loop will catch up on its own cadence.
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("startup wal checkpoint failed", slog.Any("error", err))
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// applyPragmas sets the connection-level PRAGMAs the engine requires. It
// runs them on the pool's current connection; database/sql does not expose
// a true "on every new physical connection" hook for PRAGMAs that must be
// per-connection (journal_mode is database-wide and persists, but
// foreign_keys, busy_timeout, wal_autocheckpoint, and journal_size_limit are
// connection-scoped) so MaxOpenConns is capped at a small pool and each
// PRAGMA is reapplied defensively whenever a fresh *sql.Conn is pulled via
// s.conn.
func (s *Store) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA wal_autocheckpoint=1000",
		"PRAGMA journal_size_limit=67108864",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for after-connect hooks: %w", err)
	}
	defer conn.Close()
	for _, hook := range s.afterConnect {
		if err := hook(ctx, conn); err != nil {
			// Hook failures are logged and non-fatal, matching the engine's
			// best-effort policy for maintenance-adjacent wiring.
			s.log.Warn("after-connect hook failed", slog.Any("error", err))
		}
	}
	return nil
}

// DB exposes the underlying pool for the maintenance loop, which needs raw
// PRAGMA access the typed CRUD methods don't offer.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	git_repo_path TEXT NOT NULL,
	cleanup_script TEXT NOT NULL DEFAULT '',
	dev_server_script TEXT NOT NULL DEFAULT '',
	workspace_dirs TEXT NOT NULL DEFAULT '',
	append_prompt TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	parent_attempt_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

CREATE TABLE IF NOT EXISTS task_attempts (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	base_branch TEXT NOT NULL,
	branch TEXT,
	container_ref TEXT,
	executor TEXT NOT NULL,
	worktree_deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id);

CREATE TABLE IF NOT EXISTS execution_processes (
	id TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL REFERENCES task_attempts(id) ON DELETE CASCADE,
	run_reason TEXT NOT NULL,
	action_json TEXT NOT NULL,
	status TEXT NOT NULL,
	exit_code INTEGER,
	session_id TEXT,
	before_head_commit TEXT,
	after_head_commit TEXT,
	dropped INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processes_attempt ON execution_processes(attempt_id, created_at);

CREATE TABLE IF NOT EXISTS execution_process_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id TEXT NOT NULL REFERENCES execution_processes(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	patch_json TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_process ON execution_process_logs(process_id, id);

CREATE TABLE IF NOT EXISTS merges (
	id TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL REFERENCES task_attempts(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	commit_oid TEXT,
	base TEXT,
	pr_number INTEGER,
	pr_url TEXT,
	pr_status TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merges_attempt ON merges(attempt_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_merges_attempt_pr ON merges(attempt_id, pr_number) WHERE pr_number IS NOT NULL;

CREATE TABLE IF NOT EXISTS task_images (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_task ON task_images(task_id);
`

// migrate applies the embedded schema. Every statement is idempotent
// (CREATE TABLE/INDEX IF NOT EXISTS), so migrate is safe to run on every
// startup rather than tracking a schema version table.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}
