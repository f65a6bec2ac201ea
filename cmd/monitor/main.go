package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"iot_auth/internal/service/app"
	"iot_auth/internal/utils/log"
)

func main() {
	server := flag.String("server", "http://localhost:9090", "backend base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.NewApp(app.NewClient(*server), *interval)
	if err := a.Run(ctx); err != nil {
		log.Fatal("monitor failed", zap.Error(err))
	}
}
