package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"tickflow/internal/api"
	"tickflow/internal/config"
	"tickflow/internal/dispatch"
	"tickflow/internal/master"
	"tickflow/internal/store"
)

func main() {
	var (
		cfgPath     = flag.String("config", "", "YAML config file path")
		addr        = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath      = flag.String("db", "", "SQLite DB path (overrides config)")
		concurrency = flag.Int("concurrency", 0, "executor concurrency N (overrides config)")
		selfDrain   = flag.Bool("selfdrain", false, "executors drain their own dispatch queues")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Listen = *addr
		case "db":
			cfg.DBPath = *dbPath
		case "concurrency":
			cfg.Concurrency = *concurrency
		case "selfdrain":
			cfg.Dispatch.SelfDrain = *selfDrain
		}
	})
	if cfg.Concurrency < 1 {
		log.Fatal().Int("concurrency", cfg.Concurrency).Msg("concurrency must be at least 1")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	// storage unreachable at startup is fatal, not something to spin on
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}
	if err := dispatch.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure dispatch schema")
	}

	st := store.NewSQLiteStore(db)
	q := dispatch.New(db, cfg.Dispatch.Visibility)
	m := master.New(st, q, cfg.Concurrency, cfg.Dispatch.SelfDrain)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := m.Run(ctx); err != nil && err != context.Canceled {
			log.Fatal().Err(err).Msg("master run")
		}
	}()

	srv := &http.Server{Addr: cfg.Listen, Handler: api.NewServer(m, st)}
	go func() {
		log.Info().Str("addr", cfg.Listen).Int("concurrency", cfg.Concurrency).
			Bool("self_drain", cfg.Dispatch.SelfDrain).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
