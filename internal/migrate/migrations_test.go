package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawtrack/internal/db"
	"lawtrack/internal/migrate"
)

func TestApplyIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	first, err := migrate.Apply(ctx, conn)
	require.NoError(t, err)
	assert.Greater(t, first, 0)

	second, err := migrate.Apply(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, table := range []string{"users", "api_keys", "stages", "tasks", "events", "task_codes"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}
