// Package settings persists daemon runtime settings in localdb. Environment
// variables take precedence at load time so deployments can override the
// stored values without touching the file.
package settings

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/openbrook/crudcast/internal/localdb"
)

const (
	collection = "settings"
	key        = "daemon"
)

// Daemon holds runtime settings that survive restarts.
type Daemon struct {
	// ListenAddr is the WebSocket/metrics listen address.
	ListenAddr string `json:"listen_addr,omitempty"`
	// DatabaseAddr overrides RethinkDB auto-discovery.
	DatabaseAddr string `json:"database_addr,omitempty"`
	// DatabaseName is the target database.
	DatabaseName string `json:"database_name,omitempty"`
	// CacheDurationMS overrides the resource cache TTL.
	CacheDurationMS int `json:"cache_duration_ms,omitempty"`
	// MaxPageSize caps explicit pageSize on view reads.
	MaxPageSize int `json:"max_page_size,omitempty"`
	// LogLevel is a zerolog level name.
	LogLevel string `json:"log_level,omitempty"`
}

// Defaults fills unset fields.
func (d *Daemon) Defaults() {
	if d.ListenAddr == "" {
		d.ListenAddr = "127.0.0.1:8320"
	}
	if d.DatabaseName == "" {
		d.DatabaseName = "crudcast"
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
}

// CacheDuration converts the stored TTL.
func (d *Daemon) CacheDuration() time.Duration {
	return time.Duration(d.CacheDurationMS) * time.Millisecond
}

// Load reads stored settings, applies env overrides and defaults. A missing
// record is not an error.
func Load(db *localdb.DB) (Daemon, error) {
	var d Daemon
	if err := db.Get(collection, key, &d); err != nil && !errors.Is(err, localdb.ErrNotFound) {
		return Daemon{}, err
	}
	if v := os.Getenv("CRUDCAST_LISTEN_ADDR"); v != "" {
		d.ListenAddr = v
	}
	if v := os.Getenv("RETHINKDB_ADDR"); v != "" {
		d.DatabaseAddr = v
	}
	if v := os.Getenv("CRUDCAST_DB_NAME"); v != "" {
		d.DatabaseName = v
	}
	if v := os.Getenv("CRUDCAST_CACHE_DURATION_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.CacheDurationMS = n
		}
	}
	if v := os.Getenv("CRUDCAST_MAX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.MaxPageSize = n
		}
	}
	if v := os.Getenv("CRUDCAST_LOG_LEVEL"); v != "" {
		d.LogLevel = v
	}
	d.Defaults()
	return d, nil
}

// Save persists the settings record.
func Save(db *localdb.DB, d Daemon) error {
	return db.Put(collection, key, d)
}
