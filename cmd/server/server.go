package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"xchange/internal/audit"
	"xchange/internal/common"
	"xchange/internal/config"
	"xchange/internal/engine"
	"xchange/internal/net"
	"xchange/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg := config.Parse()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("server: unable to open store")
	}
	defer closeStore()

	interval, err := time.ParseDuration(cfg.AuditDrainInterval)
	if err != nil {
		log.Fatal().Err(err).Str("interval", cfg.AuditDrainInterval).Msg("server: invalid audit-interval")
	}

	eng := engine.New(st)
	srv := net.New(cfg.Address, cfg.Port, eng, cfg.NetWorkers)
	drainer := audit.NewDrainer(st, interval, cfg.AuditDrainWorkers, logSink)

	go func() {
		if err := drainer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("server: audit drainer stopped")
		}
	}()

	srv.Run(ctx)
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.SQLitePath == "" {
		return store.NewMemStore(), func() {}, nil
	}
	st, err := store.OpenSQLStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("server: error closing store")
		}
	}, nil
}

// logSink is the default audit.Sink until a message bus is wired in
// (spec.md §9 names this as a future direction, not something this
// repo's Non-goals require building now).
func logSink(batch []common.AuditEntry) {
	for _, entry := range batch {
		log.Info().
			Uint64("auditID", uint64(entry.ID)).
			Str("user", entry.User).
			Str("action", string(entry.Action)).
			Time("timestamp", entry.Timestamp).
			Msg("audit: drained entry")
	}
}
