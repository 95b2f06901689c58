package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mcdev12/classroom/go/internal/classroom"
	"github.com/mcdev12/classroom/go/internal/dbconfig"
	"github.com/mcdev12/classroom/go/internal/gateway"
	"github.com/mcdev12/classroom/go/internal/lesson"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	port := getEnv("GATEWAY_PORT", "8081")
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("JWT_SECRET environment variable is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := setupStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up session store")
	}
	defer st.Close()

	lessons, err := lesson.LoadDir(getEnv("LESSON_DIR", "lessons"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load lessons")
	}

	var (
		registry classroom.Registry
		db       *sql.DB
	)
	if dbCfg := dbconfig.NewConfigFromEnv(); dbCfg.Enabled {
		db, err = setupDatabase(dbCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		registry = session.NewRepository(db)
	}

	config := gateway.DefaultConfig()
	config.JWTSecret = secret
	service, err := gateway.NewService(config, st, lessons, registry, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway service")
	}
	var natsConn *nats.Conn
	if kv, ok := st.(*store.KVStore); ok {
		natsConn = kv.Conn()
	}
	service.SetHealthChecker(gateway.NewHealthChecker(db, natsConn))

	log.Info().
		Str("port", port).
		Strs("lessons", lessons.IDs()).
		Bool("registry", registry != nil).
		Msg("starting classroom gateway")

	server := setupServer(port, service.Routes())

	go func() {
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()
	if err := service.Stop(); err != nil {
		log.Error().Err(err).Msg("gateway service stop failed")
	}

	log.Info().Msg("classroom gateway shutdown complete")
}

func setupStore(ctx context.Context) (store.Store, error) {
	switch backend := getEnv("STORE_BACKEND", "memory"); backend {
	case "memory":
		log.Warn().Msg("using in-memory session store, state is lost on restart")
		return store.NewMemoryStore(), nil
	case "nats":
		cfg := store.DefaultKVConfig()
		cfg.URL = getEnv("NATS_URL", cfg.URL)
		cfg.Bucket = getEnv("KV_BUCKET", cfg.Bucket)
		return store.NewKVStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

func setupDatabase(cfg dbconfig.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().Str("database", cfg.Database).Msg("session registry connected")
	return db, nil
}

func setupServer(port string, routes http.Handler) *http.Server {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     h2c.NewHandler(c.Handler(routes), &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
