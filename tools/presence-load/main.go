package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Presence WebSocket URL")
	secret := flag.String("secret", os.Getenv("PORTAL_JWT_SECRET"), "JWT signing secret shared with the gateway")
	issuer := flag.String("issuer", "portal-auth", "JWT issuer")
	clients := flag.Int("c", 100, "Number of concurrent connections")
	observers := flag.Int("observer-every", 20, "Every Nth client is an admin (0 = none)")
	duration := flag.Duration("d", 30*time.Second, "Test duration")
	interval := flag.Duration("interval", time.Second, "Message interval per client")
	connectRate := flag.Int("connect-rate", 50, "New connections per second")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "-secret or PORTAL_JWT_SECRET is required")
		os.Exit(2)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	config := &Config{
		URL:           *url,
		Secret:        *secret,
		Issuer:        *issuer,
		Clients:       *clients,
		ObserverEvery: *observers,
		Duration:      *duration,
		Interval:      *interval,
		ConnectRate:   *connectRate,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := NewLoadTest(config, logger).Run(ctx)
	fmt.Print(result.Report(config))
}
