package settings

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbrook/crudcast/internal/localdb"
)

func openDB(t *testing.T) *localdb.DB {
	t.Helper()
	db, err := localdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadDefaults(t *testing.T) {
	db := openDB(t)
	d, err := Load(db)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8320", d.ListenAddr)
	assert.Equal(t, "crudcast", d.DatabaseName)
	assert.Equal(t, "info", d.LogLevel)
}

func TestSaveAndReload(t *testing.T) {
	db := openDB(t)
	require.NoError(t, Save(db, Daemon{ListenAddr: "0.0.0.0:9000", MaxPageSize: 25}))

	d, err := Load(db)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", d.ListenAddr)
	assert.Equal(t, 25, d.MaxPageSize)
	assert.Equal(t, "crudcast", d.DatabaseName, "defaults fill unset fields")
}

func TestEnvOverridesStored(t *testing.T) {
	db := openDB(t)
	require.NoError(t, Save(db, Daemon{ListenAddr: "stored:1", LogLevel: "warn"}))

	old := os.Getenv("CRUDCAST_LISTEN_ADDR")
	require.NoError(t, os.Setenv("CRUDCAST_LISTEN_ADDR", "env:2"))
	defer os.Setenv("CRUDCAST_LISTEN_ADDR", old)

	d, err := Load(db)
	require.NoError(t, err)
	assert.Equal(t, "env:2", d.ListenAddr, "environment wins over the stored value")
	assert.Equal(t, "warn", d.LogLevel)
}
