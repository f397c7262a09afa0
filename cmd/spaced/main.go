// Command spaced runs one instance of the spacecore group-messaging server: it loads
// configuration, connects to Postgres/Redis/Consul, wires internal/spaceapi's HTTP/
// websocket edge around internal/space, and serves until terminated. Grounded on the
// teacher's cmd/chatserver/main.go wiring order (config, Postgres, Redis, Consul
// registration, signal-driven graceful shutdown).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log"

	"github.com/jaydenbeard/spacecore/internal/auth"
	"github.com/jaydenbeard/spacecore/internal/config"
	"github.com/jaydenbeard/spacecore/internal/db"
	"github.com/jaydenbeard/spacecore/internal/pubsub"
	"github.com/jaydenbeard/spacecore/internal/registry"
	"github.com/jaydenbeard/spacecore/internal/spaceapi"
	"github.com/jaydenbeard/spacecore/internal/transport"
)

func main() {
	cfg := config.Load()

	authService, err := auth.NewAuthService(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("spaced: initialize auth service: %v", err)
	}

	postgres, err := db.NewPostgresDB(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("spaced: connect to postgres: %v", err)
	}
	defer postgres.Close()

	store, err := db.NewPostgresStore(postgres)
	if err != nil {
		log.Fatalf("spaced: apply postgres schema: %v", err)
	}

	redisClient, err := pubsub.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("spaced: connect to redis: %v", err)
	}
	defer redisClient.Close()

	consulRegistry, err := registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
	if err != nil {
		log.Fatalf("spaced: connect to consul: %v", err)
	}
	directory := registry.NewConsulDirectory(consulRegistry.Client())

	if err := consulRegistry.Register(); err != nil {
		log.Fatalf("spaced: register with consul: %v", err)
	}

	hub := transport.NewHub()
	server := spaceapi.NewServer(authService, directory, store, hub, redisClient, cfg.ServerID, cfg.RateLimits)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := redisClient.Subscribe(ctx, server); err != nil && ctx.Err() == nil {
			log.Printf("spaced: pubsub subscribe loop exited: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("spaced: listening on :%s (server_id=%s)", cfg.ServerPort, cfg.ServerID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("spaced: http server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("spaced: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("spaced: graceful shutdown failed: %v", err)
	}

	if err := consulRegistry.Deregister(); err != nil {
		log.Printf("spaced: consul deregister failed: %v", err)
	}
}
