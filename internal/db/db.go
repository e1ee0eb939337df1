// Package db is the RethinkDB-backed store. It owns the cluster session,
// maps driver failures onto the engine's error taxonomy and keeps driver
// types from leaking past the model boundary.
package db

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"

	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/views"
)

// Options configures the cluster connection.
type Options struct {
	// Addr overrides auto-discovery (host:port).
	Addr     string
	Username string
	Password string
	// Database is the target database name.
	Database string

	Log zerolog.Logger
}

// Store wraps a single RethinkDB cluster connection.
type Store struct {
	sess *r.Session
	db   string
	log  zerolog.Logger
}

// Connect creates a Store. The address comes from opts.Addr or
// auto-discovery; credentials fall back to RETHINKDB_USER/RETHINKDB_PASS.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	addr := opts.Addr
	if addr == "" {
		addr = AutoDiscoverAddr()
	}
	connectOpts := r.ConnectOpts{
		Address:      addr,
		InitialCap:   5,
		MaxOpen:      20,
		Timeout:      5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	if u := opts.Username; u != "" {
		connectOpts.Username = u
	} else if u := os.Getenv("RETHINKDB_USER"); u != "" {
		connectOpts.Username = u
	}
	if p := opts.Password; p != "" {
		connectOpts.Password = p
	} else if p := os.Getenv("RETHINKDB_PASS"); p != "" {
		connectOpts.Password = p
	}
	sess, err := r.Connect(connectOpts)
	if err != nil {
		return nil, &model.DatabaseError{Err: err}
	}
	db := opts.Database
	if db == "" {
		db = "crudcast"
	}
	opts.Log.Info().Str("addr", addr).Str("db", db).Msg("connected to rethinkdb")
	return &Store{sess: sess, db: db, log: opts.Log}, nil
}

// AutoDiscoverAddr returns the best-effort RethinkDB address (host:port).
// Precedence:
// 1) RETHINKDB_ADDR env if set
// 2) Outside Kubernetes: 127.0.0.1:28015 if a TCP dial to it succeeds within 150ms
// 3) Service env vars RETHINKDB_SERVICE_HOST/PORT (port defaults to 28015)
// 4) Inside Kubernetes: DNS name "<svc>.<ns>.svc.cluster.local:28015" using RETHINKDB_SERVICE_NAME
//    (default rethinkdb) and namespace hints, or "<svc>:28015" when no namespace is known
// 5) Otherwise: 127.0.0.1:28015
func AutoDiscoverAddr() string {
	if v := strings.TrimSpace(os.Getenv("RETHINKDB_ADDR")); v != "" {
		return v
	}
	inCluster := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST")) != ""
	if !inCluster {
		// Outside Kubernetes: prefer local loopback port-forward in dev if
		// it is available.
		if canDialFast("127.0.0.1:28015", 150*time.Millisecond) {
			return "127.0.0.1:28015"
		}
	}
	// Direct service host/port envs (set automatically for Services)
	host := strings.TrimSpace(os.Getenv("RETHINKDB_SERVICE_HOST"))
	port := strings.TrimSpace(os.Getenv("RETHINKDB_SERVICE_PORT"))
	if host != "" {
		if port == "" {
			port = "28015"
		}
		return host + ":" + port
	}
	if inCluster {
		svc := strings.TrimSpace(os.Getenv("RETHINKDB_SERVICE_NAME"))
		if svc == "" {
			svc = "rethinkdb"
		}
		ns := strings.TrimSpace(os.Getenv("RETHINKDB_NAMESPACE"))
		if ns == "" {
			ns = strings.TrimSpace(os.Getenv("POD_NAMESPACE"))
		}
		if ns == "" {
			ns = strings.TrimSpace(os.Getenv("KUBERNETES_NAMESPACE"))
		}
		if ns == "" {
			// As a last resort inside cluster, use short service name
			return svc + ":28015"
		}
		return svc + "." + ns + ".svc.cluster.local:28015"
	}
	// Outside cluster: assume local dev; prefer IPv4 loopback to avoid IPv6
	// (::1) resolution mismatches
	return "127.0.0.1:28015"
}

func canDialFast(addr string, d time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, d)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (s *Store) table(typ string) r.Term {
	return r.DB(s.db).Table(typ)
}

// Get fetches one document. A missing document is (nil, nil); reads decide
// how to surface that.
func (s *Store) Get(ctx context.Context, typ, id string) (model.Resource, error) {
	cur, err := s.table(typ).Get(id).Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return nil, MapError(err)
	}
	defer cur.Close()
	if cur.IsNil() {
		return nil, nil
	}
	var res model.Resource
	if err := cur.One(&res); err != nil {
		if err == r.ErrEmptyResult {
			return nil, nil
		}
		return nil, MapError(err)
	}
	return res, nil
}

// Insert writes a new document requesting returned changes.
func (s *Store) Insert(ctx context.Context, typ string, value model.Resource) (model.WriteResult, error) {
	resp, err := s.table(typ).Insert(value, r.InsertOpts{ReturnChanges: true}).RunWrite(s.sess, r.RunOpts{Context: ctx})
	return s.writeResult(typ, "", resp, err)
}

// Update merges a partial document onto an existing one.
func (s *Store) Update(ctx context.Context, typ, id string, value model.Resource) (model.WriteResult, error) {
	resp, err := s.table(typ).Get(id).Update(value, r.UpdateOpts{ReturnChanges: "always"}).RunWrite(s.sess, r.RunOpts{Context: ctx})
	wr, err := s.writeResult(typ, id, resp, err)
	if err != nil {
		return wr, err
	}
	if resp.Skipped > 0 {
		return wr, &model.DocumentNotFoundError{Type: typ, ID: id}
	}
	return wr, nil
}

// RemoveField rewrites the document without one field.
func (s *Store) RemoveField(ctx context.Context, typ, id, field string) (model.WriteResult, error) {
	resp, err := s.table(typ).Get(id).Replace(func(row r.Term) any {
		return row.Without(field)
	}, r.ReplaceOpts{ReturnChanges: "always"}).RunWrite(s.sess, r.RunOpts{Context: ctx})
	wr, err := s.writeResult(typ, id, resp, err)
	if err != nil {
		return wr, err
	}
	if resp.Skipped > 0 {
		return wr, &model.DocumentNotFoundError{Type: typ, ID: id}
	}
	return wr, nil
}

// Delete removes a whole document.
func (s *Store) Delete(ctx context.Context, typ, id string) (model.WriteResult, error) {
	resp, err := s.table(typ).Get(id).Delete(r.DeleteOpts{ReturnChanges: true}).RunWrite(s.sess, r.RunOpts{Context: ctx})
	wr, err := s.writeResult(typ, id, resp, err)
	if err != nil {
		return wr, err
	}
	if resp.Deleted == 0 {
		return wr, &model.DocumentNotFoundError{Type: typ, ID: id}
	}
	return wr, nil
}

// FetchViewIDs runs the transformed view query and returns a page of ids.
func (s *Store) FetchViewIDs(ctx context.Context, typ string, view model.ViewSchema, params map[string]any, offset, limit int) ([]string, error) {
	term := views.ApplyTransform(s.table(typ), view, params)
	term = term.Slice(offset, offset+limit).Pluck("id")
	cur, err := term.Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return nil, MapError(err)
	}
	defer cur.Close()
	var rows []struct {
		ID string `rethinkdb:"id"`
	}
	if err := cur.All(&rows); err != nil {
		return nil, MapError(err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// CountView counts the transformed view query.
func (s *Store) CountView(ctx context.Context, typ string, view model.ViewSchema, params map[string]any) (int, error) {
	term := views.ApplyTransform(s.table(typ), view, params).Count()
	cur, err := term.Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return 0, MapError(err)
	}
	defer cur.Close()
	var n int
	if err := cur.One(&n); err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

// Close shuts down the session.
func (s *Store) Close() error {
	if s == nil || s.sess == nil {
		return nil
	}
	return s.sess.Close()
}

func (s *Store) writeResult(typ, id string, resp r.WriteResponse, err error) (model.WriteResult, error) {
	if err != nil {
		return model.WriteResult{}, MapError(err)
	}
	wr := model.WriteResult{
		Errors:     resp.Errors,
		FirstError: resp.FirstError,
	}
	for _, chg := range resp.Changes {
		wr.Changes = append(wr.Changes, model.Change{
			NewVal: toResource(chg.NewValue),
			OldVal: toResource(chg.OldValue),
		})
	}
	if resp.Errors > 0 {
		return wr, MapErrorMessage(resp.FirstError)
	}
	return wr, nil
}

func toResource(v any) model.Resource {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return model.Resource(t)
	case model.Resource:
		return t
	}
	return nil
}
