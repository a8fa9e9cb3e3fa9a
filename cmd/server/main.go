package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acrosshouse/backend/internal/bus"
	"github.com/acrosshouse/backend/internal/config"
	"github.com/acrosshouse/backend/internal/handlers"
	"github.com/acrosshouse/backend/internal/hub"
	"github.com/acrosshouse/backend/internal/project"
	"github.com/acrosshouse/backend/internal/puzzle"
	"github.com/acrosshouse/backend/internal/solve"
	"github.com/acrosshouse/backend/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Storage: Postgres when configured, in-memory fallback for dev.
	var (
		eventStore store.EventStore
		catalog    puzzle.Catalog
		solveRepo  solve.Repository
		healthPing func(context.Context) error
	)
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()

		pgCatalog, err := puzzle.NewPostgresCatalog(pg.DB())
		if err != nil {
			log.Fatalf("Failed to init puzzle catalog: %v", err)
		}
		pgSolves, err := solve.NewPostgresRepository(pg.DB(), pgCatalog)
		if err != nil {
			log.Fatalf("Failed to init solve repository: %v", err)
		}

		eventStore, catalog, solveRepo = pg, pgCatalog, pgSolves
		healthPing = func(ctx context.Context) error { return pg.DB().PingContext(ctx) }
		slog.Info("Postgres connected")
	} else {
		memCatalog := puzzle.NewMemoryCatalog()
		eventStore = store.NewMemoryStore()
		catalog = memCatalog
		solveRepo = solve.NewMemoryRepository(memCatalog)
		healthPing = func(context.Context) error { return nil }
		slog.Warn("DATABASE_URL not set, running on the in-memory store (dev only)")
	}

	// Cross-instance bus: Redis preferred, GCP Pub/Sub as the alternative,
	// none for single-instance deployments.
	var eventBus bus.Bus
	switch {
	case cfg.Redis.Addr != "":
		eventBus, err = bus.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer eventBus.Close()
	case cfg.PubSub.ProjectID != "":
		eventBus, err = bus.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.Topic, uuid.New().String())
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer eventBus.Close()
	default:
		slog.Info("no bus configured, running single-instance")
	}

	opts := []hub.Option{hub.WithQueueSize(cfg.Hub.QueueSize)}
	if eventBus != nil {
		opts = append(opts, hub.WithBus(eventBus))
	}
	streamHub := hub.New(eventStore, opts...)
	projector := project.NewService(eventStore)
	solveSvc := solve.NewService(eventStore, solveRepo)

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "healthy"
		storeStatus := "connected"
		code := http.StatusOK
		if err := healthPing(ctx); err != nil {
			status, storeStatus = "degraded", "error"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "acrosshouse-api",
			"store":   storeStatus,
		})
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws", streamHub.HandleWebSocket)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/puzzles", handlers.HandleCreatePuzzle(catalog)).Methods("POST")
	api.HandleFunc("/puzzles", handlers.HandleListPuzzles(catalog)).Methods("GET")
	api.HandleFunc("/puzzles/{pid}", handlers.HandleGetPuzzle(catalog)).Methods("GET")
	api.HandleFunc("/puzzles/{pid}", handlers.HandleDeletePuzzle(catalog)).Methods("DELETE")
	api.HandleFunc("/games", handlers.HandleCreateGame(catalog, streamHub)).Methods("POST")
	api.HandleFunc("/games/{gid}", handlers.HandleGetGameState(projector)).Methods("GET")
	api.HandleFunc("/games/{gid}/solve", handlers.HandleRecordSolve(solveSvc)).Methods("POST")
	api.HandleFunc("/rooms/{rid}", handlers.HandleGetRoomState(projector)).Methods("GET")

	router.Use(corsMiddleware)
	router.Use(loggingMiddleware)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		streamHub.Shutdown(ctx)
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("acrosshouse API starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			slog.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		}
	})
}
