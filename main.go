// main.go
// Application entry point: loads configuration, initializes logging and runs the hub server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/erilali/fanout/internal/api"
	"github.com/erilali/fanout/internal/config"
	"github.com/erilali/fanout/internal/hub"
	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/relay"
)

func main() {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v, using defaults\n", err)
	}

	logger.InitLogger(cfg.Log)
	serverLogger := logger.NewLogger("server")
	serverLogger.WithFields(map[string]interface{}{
		"addr":           cfg.Addr,
		"queue_size":     cfg.QueueSize,
		"exclude_sender": cfg.ExcludeSender,
		"log_level":      cfg.Log.Level,
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hubRelay := connectRelay(ctx, cfg, serverLogger)
	if hubRelay != nil {
		defer hubRelay.Close()
	}

	// A zero burst leaves the limit at zero, which disables limiting.
	var limit rate.Limit
	if cfg.RateLimit.Burst > 0 {
		limit = rate.Limit(float64(cfg.RateLimit.Burst) / time.Duration(cfg.RateLimit.Interval).Seconds())
	}
	h := hub.NewHub(hub.Options{
		QueueSize:         cfg.QueueSize,
		ExcludeSender:     cfg.ExcludeSender,
		RateLimit:         limit,
		RateBurst:         cfg.RateLimit.Burst,
		MaxMessageSize:    cfg.MaxMessageSize,
		WriteWait:         time.Duration(cfg.WriteWait),
		PongWait:          time.Duration(cfg.PongWait),
		CheckOrigin:       api.NewOriginChecker(cfg.AllowedOrigins, serverLogger).Check,
		EnableCompression: true,
		Relay:             hubRelay,
		Metrics:           hub.NewMetrics(reg),
		Logger:            logger.NewLogger("hub"),
	})
	go h.Run(ctx)

	srv := api.NewServer(cfg, h, serverLogger, reg)
	if err := srv.Serve(ctx); err != nil {
		serverLogger.Fatalf("Server error: %v", err)
	}
}

// connectRelay connects the configured bus, preferring NATS over Redis. A
// failed connection degrades to local-only broadcasting.
func connectRelay(ctx context.Context, cfg config.Config, serverLogger *logger.Logger) hub.Relay {
	relayLogger := logger.NewLogger("relay")
	switch {
	case cfg.NATS.URL != "":
		r, err := relay.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject, relayLogger)
		if err != nil {
			serverLogger.Errorf("Error connecting to NATS: %v", err)
			break
		}
		return r
	case cfg.Redis.Addr != "":
		r, err := relay.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Channel, relayLogger)
		if err != nil {
			serverLogger.Errorf("Error connecting to Redis: %v", err)
			break
		}
		return r
	default:
		return nil
	}
	serverLogger.Warn("Running without relay. Broadcasts stay on this instance.")
	return nil
}
