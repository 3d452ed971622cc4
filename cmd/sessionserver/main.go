package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oceanchat/session-server/internal/coordinator"
	"github.com/oceanchat/session-server/internal/history"
	"github.com/oceanchat/session-server/internal/messaging"
	"github.com/oceanchat/session-server/internal/ratelimit"
	"github.com/oceanchat/session-server/internal/server"
	"github.com/oceanchat/session-server/internal/session"
)

func main() {
	serverConfig := server.DefaultConfig()
	coordConfig := coordinator.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		serverConfig.ListenAddr = addr
	}
	if v := os.Getenv("TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			serverConfig.ReadTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			serverConfig.WriteTimeout = d
		}
	}
	if v := os.Getenv("PAIR_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			coordConfig.PairInterval = time.Duration(n) * time.Millisecond
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "session-1"
	}

	var deps coordinator.Deps
	var limiter *ratelimit.Limiter

	// --- Redis (optional): presence mirror and connection rate limiting ---
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		sessionStore, err := session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		deps.Sessions = sessionStore
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// --- NATS (optional): lifecycle event bus ---
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName

		bus, err := messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		deps.Bus = bus
	}

	// --- PostgreSQL (optional): pair history ---
	if dsn := os.Getenv("HISTORY_DSN"); dsn != "" {
		store, err := history.Open(dsn)
		if err != nil {
			log.Fatalf("failed to open pair history: %v", err)
		}
		deps.History = store
	}

	log.Printf("OceanChat session server starting")
	log.Printf("  listen_addr:   %s", serverConfig.ListenAddr)
	log.Printf("  read_timeout:  %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout: %s", serverConfig.WriteTimeout)
	log.Printf("  pair_interval: %s", coordConfig.PairInterval)
	log.Printf("  server_name:   %s", serverName)
	log.Printf("  redis:         %v", deps.Sessions != nil)
	log.Printf("  nats:          %v", deps.Bus != nil)
	log.Printf("  history:       %v", deps.History != nil)

	coord := coordinator.New(coordConfig, deps)
	srv := server.New(serverConfig, coord, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	coordDone := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(coordDone)
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}

		cancel()
		<-coordDone

		if deps.Bus != nil {
			deps.Bus.Close()
		}
		if deps.Sessions != nil {
			if err := deps.Sessions.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if deps.History != nil {
			if err := deps.History.Close(); err != nil {
				log.Printf("history store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
