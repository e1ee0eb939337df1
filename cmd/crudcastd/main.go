// crudcastd wires the realtime CRUD engine to RethinkDB and serves the
// WebSocket broker plus Prometheus metrics. The schema below is the one
// compiled into this deployment; embedders define their own models here.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"

	"github.com/openbrook/crudcast/internal/access"
	"github.com/openbrook/crudcast/internal/crud"
	"github.com/openbrook/crudcast/internal/db"
	"github.com/openbrook/crudcast/internal/localdb"
	"github.com/openbrook/crudcast/internal/logx"
	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/settings"
	"github.com/openbrook/crudcast/internal/socket"
	"github.com/openbrook/crudcast/internal/validate"
)

func defaultSchema() model.Schema {
	return model.Schema{
		"Account": {
			Fields: map[string]model.Constraint{
				"id":       validate.Str().UUID(),
				"email":    validate.Str().Email().Required(),
				"name":     validate.Str().Min(1).Max(120).Required(),
				"active":   validate.Bool(),
				"tags":     validate.Str().MultiValue().AllowNull(),
				"balance":  validate.Num().Min(0),
				"metadata": validate.AnyValue().AllowNull(),
			},
			Indexes: []model.Index{
				{Name: "email"},
				{Name: "tags", Fn: func(row r.Term) any {
					return row.Field("tags").Split(",")
				}, Multi: true},
			},
			Views: map[string]model.ViewSchema{
				"byTag": {
					ParamFields:   []string{"tags"},
					PrimaryFields: []string{"tags"},
					Transform: func(base r.Term, params map[string]any) r.Term {
						return base.GetAllByIndex("tags", params["tags"]).OrderBy("name")
					},
				},
			},
		},
		"Item": {
			Fields: map[string]model.Constraint{
				"id":      validate.Str().UUID(),
				"ownerId": validate.Str().Required(),
				"title":   validate.Str().Min(1).Max(200).Required(),
				"rank":    validate.Num().Integer(),
			},
			Indexes: []model.Index{
				{Name: "ownerId"},
			},
			Views: map[string]model.ViewSchema{
				"byOwner": {
					ParamFields:     []string{"ownerId"},
					PrimaryFields:   []string{"ownerId"},
					AffectingFields: []string{"rank"},
					Transform: func(base r.Term, params map[string]any) r.Term {
						return base.GetAllByIndex("ownerId", params["ownerId"]).OrderBy("rank")
					},
				},
				"ownedItems": {
					ParamFields:            []string{"id"},
					PrimaryFields:          []string{"id"},
					ForeignAffectingFields: map[string][]string{"Account": {}},
					Transform: func(base r.Term, params map[string]any) r.Term {
						return base.GetAllByIndex("ownerId", params["id"]).OrderBy("rank")
					},
				},
			},
			Relations: map[string]map[string]model.RelationFunc{
				"Account": {
					"id": func(item model.Resource) any { return item["ownerId"] },
				},
			},
		},
	}
}

func main() {
	stateDir := os.Getenv("CRUDCAST_STATE_DIR")
	if stateDir == "" {
		stateDir = "."
	}
	bootLog := logx.New("info", "console")
	store, err := localdb.Open(stateDir)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("open local state")
	}
	defer store.Close()

	cfg, err := settings.Load(store)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load settings")
	}
	_ = settings.Save(store, cfg)

	format := os.Getenv("CRUDCAST_LOG_FORMAT")
	log := logx.New(cfg.LogLevel, format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schema := defaultSchema()

	dbStore, err := db.Connect(ctx, db.Options{
		Addr:     cfg.DatabaseAddr,
		Database: cfg.DatabaseName,
		Log:      log.With().Str("component", "db").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect to rethinkdb")
	}
	defer dbStore.Close()

	if err := dbStore.Init(ctx, schema, nil); err != nil {
		log.Fatal().Err(err).Msg("bootstrap schema")
	}

	broker := socket.NewMemoryServer()
	defer broker.Close()

	engine := crud.New(model.Options{
		Schema:        schema,
		DatabaseName:  cfg.DatabaseName,
		CacheDuration: cfg.CacheDuration(),
		MaxPageSize:   cfg.MaxPageSize,
	}, dbStore, broker.Exchange(), log.With().Str("component", "crud").Logger())
	defer engine.Close()

	filter := access.New(engine, log.With().Str("component", "access").Logger())
	filter.Attach(broker)
	engine.AttachToServer(broker)

	mux := http.NewServeMux()
	mux.Handle("/ws", &socket.WSTransport{
		Server: broker,
		Log:    log.With().Str("component", "ws").Logger(),
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
