package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"teamspace-ws/internal/auth"
	"teamspace-ws/internal/broker"
	"teamspace-ws/internal/config"
	"teamspace-ws/internal/cursor"
	"teamspace-ws/internal/metrics"
	"teamspace-ws/internal/presence"
	"teamspace-ws/internal/registry"
	"teamspace-ws/internal/ws"
)

func main() {
	cfg := config.Load()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to parse Redis URL: ", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis: ", err)
	}
	slog.Info("Connected to Redis")

	reg := registry.New()
	tracker := presence.NewTracker(rdb, cfg.PresenceTTL)
	cursors := cursor.NewSynchronizer(rdb, cfg.CursorTTL)

	var hub *ws.Hub
	bridge := broker.NewBridge(rdb, func(channel string, payload []byte) {
		hub.HandleBrokerMessage(channel, payload)
	})
	hub = ws.NewHub(reg, bridge, tracker, cursors)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bridge.Run(ctx)
	go tracker.RunReconciler(ctx, cfg.ReconcileInterval)

	authn := auth.NewJWTAuthenticator([]byte(cfg.JWTSecret))

	r := chi.NewRouter()
	r.Use(
		chimiddleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		metrics.Middleware,
	)

	r.Get("/ws/rooms/{roomID}", ws.ServeWS(hub, authn, cfg.CursorMinInterval))

	r.Get("/api/rooms/{roomID}/presence", func(w http.ResponseWriter, r *http.Request) {
		users, err := hub.Presence(r.Context(), chi.URLParam(r, "roomID"))
		if err != nil {
			http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{"users": users})
	})

	r.Get("/api/documents/{documentID}/cursors", func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := hub.Cursors(r.Context(), chi.URLParam(r, "documentID"))
		if err != nil {
			http.Error(w, "cursors unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snapshot)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("WebSocket server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down")

	cancel()
	bridge.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	rdb.Close()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
