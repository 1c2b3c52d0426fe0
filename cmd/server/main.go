package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aia-realtime/internal/auth"
	"aia-realtime/internal/config"
	"aia-realtime/internal/events"
	"aia-realtime/internal/httpapi"
	"aia-realtime/internal/store"
	"aia-realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st  store.Store
		bus events.Bus
	)
	if cfg.Standalone {
		slog.Info("running standalone: in-memory store, loopback bus")
		st = store.NewMemory()
		bus = events.NewLoopback()
	} else {
		redisStore, err := store.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal("Failed to connect to Redis:", err)
		}
		defer redisStore.Close()
		st = redisStore
		bus = events.NewRedisBus(redisStore.Client())
	}

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	// Create hub
	hub := ws.NewHub(st, bus, tokens)
	hub.SetLimits(cfg.EventRatePerSecond, cfg.EventBurst, cfg.SendBufferSize)
	go hub.Run(ctx)

	// Feed bus events to the hub
	go bus.Run(ctx, hub)

	// Routes
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	api := httpapi.New(st, bus, tokens)
	api.Register(mux)

	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	slog.Info("server starting", "addr", cfg.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
