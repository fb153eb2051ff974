package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"golang-kis-streamer/internal/api"
	"golang-kis-streamer/internal/catalog"
	"golang-kis-streamer/internal/config"
	"golang-kis-streamer/internal/quote"
	"golang-kis-streamer/internal/stream"
	"golang-kis-streamer/internal/token"
)

func main() {
	log.Printf("🚀 Starting KIS realtime streamer...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	log.Printf("✅ Configuration loaded (environment: %s)", cfg.App.Environment)

	// Redis backs both the approval-key cache and the quote cache.
	redisOpts, err := redis.ParseURL(cfg.Storage.RedisURL)
	if err != nil {
		log.Fatalf("❌ Invalid Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("⚠️ Redis unreachable at startup: %v (continuing, caching degraded)", err)
	} else {
		log.Printf("✅ Connected to Redis")
	}
	cancel()

	instruments, err := catalog.NewDatabase(cfg.Storage.CatalogDriver, cfg.Storage.CatalogDSN, cfg.App.CatalogAPIURL)
	if err != nil {
		log.Fatalf("❌ Failed to open instrument catalog: %v", err)
	}
	defer instruments.Close()

	if count, err := instruments.Count(); err == nil && count == 0 && cfg.App.CatalogAPIURL != "" {
		log.Printf("📦 Catalog is empty, seeding from API...")
		if _, err := instruments.RefreshFromAPI(); err != nil {
			log.Printf("⚠️ Catalog seed failed: %v", err)
		}
	}

	tokens := token.NewStore(redisClient, cfg.KIS.ApprovalURL, cfg.KIS.AppKey, cfg.KIS.AppSecret, cfg.KIS.AuthTimeout)
	quotes := quote.NewCache(redisClient, cfg.Stream.QuoteTTL)

	supervisor := stream.NewSupervisor(func() *stream.Session {
		return stream.NewSession(tokens, quotes, stream.Options{
			URL:                  cfg.KIS.StreamURL,
			SubscribeInterval:    cfg.Stream.SubscribeInterval,
			AdditionalInterval:   cfg.Stream.AdditionalInterval,
			RetryInterval:        cfg.Stream.RetryInterval,
			ReconnectDelay:       cfg.Stream.ReconnectDelay,
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			MaxAdditional:        cfg.Stream.MaxAdditional,
		})
	})
	defer supervisor.Shutdown()

	// Seed the base watch-list from the catalog ranking, then connect in the
	// background so a slow upstream never blocks the HTTP server.
	baseCodes := baseWatchList(instruments, cfg.Stream.BaseWatchSize)
	go func() {
		if len(baseCodes) == 0 {
			log.Printf("⚠️ Empty base watch-list, streaming session idle until watch requests arrive")
		}
		if err := supervisor.Session().Connect(context.Background(), baseCodes); err != nil {
			log.Printf("❌ Streaming session failed to connect: %v", err)
		}
	}()

	mux := http.NewServeMux()
	api.NewHandler(quotes, instruments, supervisor.Session()).Register(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("🌐 HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("🛑 Received signal %v, shutting down...", sig)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP server shutdown error: %v", err)
	}
	if err := supervisor.Shutdown(); err != nil {
		log.Printf("⚠️ Streaming session shutdown error: %v", err)
	}

	log.Printf("🎉 Shutdown complete")
}

// baseWatchList pulls the top instruments by trading value from the catalog.
func baseWatchList(instruments *catalog.Database, size int) []string {
	ranking, err := instruments.TopByTradingValue(size)
	if err != nil {
		log.Printf("⚠️ Failed to load base watch-list from catalog: %v", err)
		return nil
	}

	codes := make([]string, 0, len(ranking))
	for _, inst := range ranking {
		codes = append(codes, inst.Code)
	}
	log.Printf("📊 Base watch-list: %d instruments by trading value", len(codes))
	return codes
}
