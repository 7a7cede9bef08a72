// Package main runs the ag2api gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poemonsense/ag2api-go/internal/account"
	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/config"
	"github.com/poemonsense/ag2api-go/internal/dispatch"
	"github.com/poemonsense/ag2api-go/internal/ratelimit"
	"github.com/poemonsense/ag2api-go/internal/server"
	"github.com/poemonsense/ag2api-go/internal/utils"
	"github.com/poemonsense/ag2api-go/pkg/redis"
)

func main() {
	var (
		debugMode bool
		port      int
		host      string
		authDir   string
	)
	flag.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	flag.IntVar(&port, "port", 0, "Server port (default: AG2API_PORT or 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.StringVar(&authDir, "auth-dir", "", "Credential directory (default: AG2API_AUTH_DIR)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" {
		debugMode = true
	}
	utils.SetDebug(debugMode)

	if port == 0 {
		port = config.Port()
	}
	if host == "" {
		host = os.Getenv("HOST")
	}
	if host == "" {
		host = "0.0.0.0"
	}
	if authDir == "" {
		authDir = config.AuthDir()
	}

	// Redis is optional: usage stats are skipped when it is unreachable.
	var stats *redis.StatsStore
	if addr := config.RedisAddr(); addr != "" {
		redisClient, err := redis.NewClient(redis.Config{
			Addr:     addr,
			Password: config.RedisPassword(),
		})
		if err != nil {
			utils.Warn("[Startup] Redis unavailable at %s, continuing without usage stats: %v", addr, err)
		} else {
			stats = redis.NewStatsStore(redisClient)
			defer redisClient.Close()
			utils.Info("[Startup] usage stats enabled via Redis at %s", addr)
		}
	}

	client := cloudcode.NewClient()
	limiter := ratelimit.NewMs(config.V1InternalMinIntervalMs)
	defer limiter.Close()

	manager := account.NewManager(authDir, client, limiter)
	if err := manager.LoadAccounts(context.Background()); err != nil {
		utils.Error("[Startup] failed to load accounts: %v", err)
		os.Exit(1)
	}
	if manager.Count() == 0 {
		utils.Warn("[Startup] no accounts in %s; add one with the accounts tool", authDir)
	}

	dispatcher := dispatch.NewDispatcher(manager, client)
	dispatcher.Start()

	srv := server.New(manager, dispatcher, server.Options{
		APIKey: config.APIKey(),
		Debug:  debugMode,
		Stats:  stats,
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] %v", err)
			os.Exit(1)
		}
	case sig := <-quit:
		utils.Info("[Server] received %s, shutting down", sig)
	}

	dispatcher.Stop()
	manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		utils.Warn("[Server] shutdown: %v", err)
	}
	utils.Success("[Server] stopped")
}
