package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"taskwire/internal/api"
	"taskwire/internal/config"
	"taskwire/internal/forward"
	"taskwire/internal/frame"
	"taskwire/internal/registry"
	"taskwire/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var backend store.Backend
	switch cfg.StoreBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		backend = store.NewRedisBackend(client, cfg.RedisPrefix)
	default:
		backend = store.NewSQLiteBackend(db)
	}

	messages := store.New(backend, cfg.FlushBatchSize)
	reg := registry.New(db)
	hub := forward.NewHub()

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	apiServer := &api.Server{
		Registry:    reg,
		Store:       messages,
		Hub:         hub,
		NewProducer: echoProducerFactory,
		RetryHintMS: cfg.RetryHintMS,
		BaseContext: serverCtx,
		Logger:      logger,
		StartedAt:   time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("listen", "addr", cfg.HTTPAddr, "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		logger.Info("taskwired listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	_ = httpServer.Close()
}

// echoProducer is the built-in producer: it streams the submitted query
// back one word at a time. Real deployments swap in a producer backed by
// an upstream generation service.
type echoProducer struct {
	agent string
	words []string
	i     int
}

func echoProducerFactory(ctx context.Context, task registry.Task, req api.SubmitRequest) (forward.Producer, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	return &echoProducer{agent: "echo", words: strings.Fields(req.Query)}, nil
}

func (p *echoProducer) Next(ctx context.Context) (forward.Increment, error) {
	if err := ctx.Err(); err != nil {
		return forward.Increment{}, err
	}
	if p.i >= len(p.words) {
		return forward.Increment{}, io.EOF
	}
	word := p.words[p.i]
	p.i++
	return forward.Increment{Agent: p.agent, Type: frame.TypeMessage, Content: word + " "}, nil
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
