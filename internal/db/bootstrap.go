package db

import (
	"context"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"

	"github.com/openbrook/crudcast/internal/model"
)

// Init ensures the database, one table per model and every declared index
// exist. Indexes named in rebuild are dropped and recreated; everything else
// is create-if-absent, so Init is idempotent and safe to await on every
// boot.
func (s *Store) Init(ctx context.Context, schema model.Schema, rebuild []string) error {
	rebuildSet := map[string]struct{}{}
	for _, name := range rebuild {
		rebuildSet[name] = struct{}{}
	}

	if err := s.ensureDatabase(ctx); err != nil {
		return err
	}

	cur, err := r.DB(s.db).TableList().Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return MapError(err)
	}
	var tables []string
	err = cur.All(&tables)
	cur.Close()
	if err != nil {
		return MapError(err)
	}
	haveTable := map[string]struct{}{}
	for _, t := range tables {
		haveTable[t] = struct{}{}
	}

	for typ, ms := range schema {
		if _, ok := haveTable[typ]; !ok {
			if _, err := r.DB(s.db).TableCreate(typ).RunWrite(s.sess, r.RunOpts{Context: ctx}); err != nil {
				return MapError(err)
			}
			s.log.Info().Str("table", typ).Msg("created table")
		}
		if err := s.ensureIndexes(ctx, typ, ms.Indexes, rebuildSet); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureDatabase(ctx context.Context) error {
	cur, err := r.DBList().Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return MapError(err)
	}
	var dbs []string
	err = cur.All(&dbs)
	cur.Close()
	if err != nil {
		return MapError(err)
	}
	for _, d := range dbs {
		if d == s.db {
			return nil
		}
	}
	if _, err := r.DBCreate(s.db).RunWrite(s.sess, r.RunOpts{Context: ctx}); err != nil {
		return MapError(err)
	}
	s.log.Info().Str("db", s.db).Msg("created database")
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context, typ string, indexes []model.Index, rebuild map[string]struct{}) error {
	cur, err := s.table(typ).IndexList().Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return MapError(err)
	}
	var existing []string
	err = cur.All(&existing)
	cur.Close()
	if err != nil {
		return MapError(err)
	}
	have := map[string]struct{}{}
	for _, name := range existing {
		have[name] = struct{}{}
	}

	created := false
	for _, idx := range indexes {
		_, present := have[idx.Name]
		if present {
			if _, force := rebuild[idx.Name]; !force {
				continue
			}
			if _, err := s.table(typ).IndexDrop(idx.Name).RunWrite(s.sess, r.RunOpts{Context: ctx}); err != nil {
				return MapError(err)
			}
			s.log.Info().Str("table", typ).Str("index", idx.Name).Msg("rebuilding index")
		}
		opts := r.IndexCreateOpts{}
		if idx.Multi {
			opts.Multi = true
		}
		var term r.Term
		if idx.Fn != nil {
			fn := idx.Fn
			term = s.table(typ).IndexCreateFunc(idx.Name, func(row r.Term) any {
				return fn(row)
			}, opts)
		} else {
			term = s.table(typ).IndexCreate(idx.Name, opts)
		}
		if _, err := term.RunWrite(s.sess, r.RunOpts{Context: ctx}); err != nil {
			return MapError(err)
		}
		created = true
	}

	if created {
		if _, err := s.table(typ).IndexWait().Run(s.sess, r.RunOpts{Context: ctx}); err != nil {
			return MapError(err)
		}
	}
	return nil
}
