package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsDir_CollectsInOrder(t *testing.T) {
	migrations, err := goose.CollectMigrations(MigrationsDir(t), 0, goose.MaxVersion)
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	for i, m := range migrations {
		assert.Equal(t, int64(i+1), m.Version, m.Source)
	}
}

// The stores recognise unique violations by index name, and the migrations
// are the only place those indexes are defined.
func TestMigrations_DefineStoreIndexes(t *testing.T) {
	migrations, err := goose.CollectMigrations(MigrationsDir(t), 0, goose.MaxVersion)
	require.NoError(t, err)

	var sql strings.Builder
	for _, m := range migrations {
		b, err := os.ReadFile(m.Source)
		require.NoError(t, err)
		sql.Write(b)
	}
	for _, index := range []string{"idx_subscriptions_one_open", "idx_instances_one_active"} {
		assert.Contains(t, sql.String(), "CREATE UNIQUE INDEX IF NOT EXISTS "+index)
	}
	assert.Contains(t, sql.String(), "REFERENCES subscriptions(id)")
}
