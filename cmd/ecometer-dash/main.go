package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/ecometer-dash/internal/ecometer"
	"github.com/shaunagostinho/ecometer-dash/internal/logger"
	"github.com/shaunagostinho/ecometer-dash/internal/mqtt"
	"github.com/shaunagostinho/ecometer-dash/internal/server"
	"github.com/shaunagostinho/ecometer-dash/web"
)

func main() {
	configPath := flag.String("config", "/etc/ecometer-dash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated sensor")
	port := flag.String("port", "", "Override serial port (e.g. /dev/ttyUSB0)")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] ecometer-dash starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Device.Type = "demo"
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Sensor session
	var opts []ecometer.Option
	if cfg.Device.Type == "demo" {
		interval := time.Duration(cfg.Device.DemoIntervalMs) * time.Millisecond
		opts = append(opts, ecometer.WithOpener(ecometer.NewSimulator(interval).Opener()))
		log.Printf("[main] demo mode, simulating a sensor every %v", interval)
	}
	session, err := ecometer.NewSession(cfg.SessionConfig(), opts...)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	// CSV recording
	dataLog := logger.New(cfg.Logging.Config)
	defer dataLog.Close()
	session.AddObserver(dataLog.Observe)

	// MQTT publishing (non-blocking, the dashboard starts regardless)
	if cfg.MQTT.Enabled {
		pub := mqtt.New(cfg.MQTT)
		defer pub.Close()
		session.AddObserver(pub.Observe)
		go connectWithRetry(ctx, pub.Name(), pub, 10)
	}

	// Start server before the session so the first reading reaches the UI
	srv := server.New(cfg, session, dataLog, web.FS)
	go supervise(ctx, session)

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
	cancel()
	session.Stop()
	log.Println("[main] stopped")
}

// connectable is satisfied by mqtt.Publisher.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay, maxDelay)
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}

// supervise keeps the session running. A loop that ends with an error
// (typically the port vanishing) is restarted with the same backoff as
// connectWithRetry; a clean stop ends supervision.
func supervise(ctx context.Context, s *ecometer.Session) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second

	for {
		if err := s.Start(ctx); err != nil {
			log.Printf("[ecometer] start failed: %v", err)
			return
		}
		started := time.Now()

		select {
		case <-ctx.Done():
			return
		case <-s.Done():
		}

		err := s.Err()
		if err == nil || ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxDelay {
			delay = 1 * time.Second
		}
		log.Printf("[ecometer] restarting in %v", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay, maxDelay)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}
