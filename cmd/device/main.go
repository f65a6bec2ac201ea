package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"iot_auth/internal/config"
	"iot_auth/internal/identity"
	"iot_auth/internal/service/device"
	"iot_auth/internal/utils/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("DEVICE_CONFIG"), "path to device config file")
	flag.Parse()

	cfg, err := config.LoadDevice(*configPath)
	if err != nil {
		panic(err)
	}

	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		panic(err)
	}
	defer log.Sync()

	id, err := identity.Load(identity.Options{
		DeviceID:   cfg.Identity.DeviceID,
		Secret:     cfg.Identity.Secret,
		SecretFile: cfg.Identity.SecretFile,
	})
	if err != nil {
		log.Fatal("load identity failed", zap.Error(err))
	}
	log.Info("device identity", zap.String("device", id.DeviceID()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := device.NewAgent(cfg, id, nil)
	if err := agent.Run(ctx); err != nil {
		log.Fatal("agent stopped", zap.Error(err))
	}
}
