package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/sessionops/internal/api"
	"github.com/punchamoorthee/sessionops/internal/config"
	"github.com/punchamoorthee/sessionops/internal/service"
	"github.com/punchamoorthee/sessionops/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.Driver {
	case "sqlite":
		st, err = store.NewSQLiteStore(cfg.DBSource)
	default:
		st, err = store.NewPostgresStore(ctx, cfg.DBSource)
	}
	if err != nil {
		zap.L().Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		zap.L().Fatal("migrate failed", zap.Error(err))
	}

	hub := api.NewHub()
	sink := service.MultiSink{service.ZapSink{}, hub}

	sessions := service.NewSessionTracker(st, sink, cfg.Billing)
	presence := service.NewPresenceTracker(st, sink, cfg.Presence.DebounceWindow)
	gifts := service.NewGiftProcessor(st, sink)
	payouts := service.NewPayoutScheduler(st, service.LogExecutor{}, sink, cfg.Payout.Threshold, cfg.Payout.Interval)

	// Settle anything a previous run left unprocessed before accepting calls.
	if _, err := gifts.ProcessUnprocessedGifts(ctx); err != nil {
		zap.L().Error("gift recovery failed", zap.Error(err))
	}

	go sessions.RunSweeper(ctx)
	go payouts.Run(ctx)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	handler := api.NewHandler(st, sessions, presence, gifts, payouts, hub)
	handler.Register(r)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		zap.L().Info("server starting", zap.String("port", cfg.Port), zap.String("driver", cfg.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zap.L().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("server shutdown failed", zap.Error(err))
	}

	sessions.Stop()
	payouts.Stop()
	presence.Shutdown()
}
