package localdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "crudcast.sqlite")); err != nil {
		t.Fatalf("db file missing: %v", err)
	}

	type rec struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	require.NoError(t, db.Put("settings", "k", rec{Name: "x", N: 3}))

	var out rec
	require.NoError(t, db.Get("settings", "k", &out))
	assert.Equal(t, rec{Name: "x", N: 3}, out)

	// Upsert overwrites.
	require.NoError(t, db.Put("settings", "k", rec{Name: "y", N: 4}))
	require.NoError(t, db.Get("settings", "k", &out))
	assert.Equal(t, "y", out.Name)

	require.NoError(t, db.Delete("settings", "k"))
	err = db.Get("settings", "k", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}
