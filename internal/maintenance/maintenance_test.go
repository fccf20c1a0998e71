package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alekspetrov/kanbanforge/internal/config"
	"github.com/alekspetrov/kanbanforge/internal/store"
)

func TestRunOnceCheckpointsWAL(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	// Grow the WAL with some writes.
	for i := 0; i < 50; i++ {
		if _, err := st.DB().ExecContext(ctx,
			`INSERT INTO projects (id, name, git_repo_path, created_at, updated_at) VALUES (?, 'p', '/tmp', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
			"00000000-0000-0000-0000-"+pad12(i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	loop := NewLoop(st.DB(), dbPath, config.DefaultMaintenanceConfig())
	loop.RunOnce(ctx)

	// After a passive checkpoint the WAL must not exceed the ceiling; in a
	// quiet database it is fully checkpointed.
	if info, err := os.Stat(dbPath + "-wal"); err == nil {
		if info.Size() > config.DefaultMaintenanceConfig().WALCeilingBytes {
			t.Errorf("WAL still %d bytes after maintenance", info.Size())
		}
	}
}

func TestRunOnceIsSafeOnMissingWAL(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	loop := NewLoop(st.DB(), dbPath, nil)
	// Must not panic or error regardless of WAL state.
	loop.RunOnce(ctx)
	loop.RunOnce(ctx)
}

func pad12(i int) string {
	s := "000000000000"
	digits := []byte{byte('0' + i/10), byte('0' + i%10)}
	return s[:10] + string(digits)
}
