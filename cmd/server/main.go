package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"iot_auth/internal/config"
	deviceRepo "iot_auth/internal/repository/device"
	redisSvc "iot_auth/internal/service/redis"
	"iot_auth/internal/service/server"
	"iot_auth/internal/utils/log"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "server",
		Short:        "Device authentication backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("SERVER_CONFIG"), "path to server config file")
	root.AddCommand(serveCmd(), provisionCmd(), revokeCmd(), listCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept device connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
			if err != nil {
				return fmt.Errorf("connect mongo: %w", err)
			}
			defer mongoDBClient.Disconnect(context.Background())

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			redisService := redisSvc.NewRedis(rdb)
			if err := redisService.Ping(ctx); err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}

			devices := deviceRepo.NewDeviceRepo(mongoDBClient.Database(cfg.Mongo.Database))
			if err := devices.EnsureIndexes(ctx); err != nil {
				log.Warn("ensure indexes failed", zap.Error(err))
			}

			store := server.NewRedisStore(redisService)
			s := server.NewHttpServer(devices, store, store, cfg.Auth.NonceTTL)
			return s.Run(ctx, cfg.Listen)
		},
	}
}

func provisionCmd() *cobra.Command {
	var deviceID, secret string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Register a device and its pre-shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, repo *deviceRepo.DeviceRepo) error {
				if err := repo.Upsert(ctx, deviceID, secret); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provisioned %s\n", deviceID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device identifier (MAC without separators)")
	cmd.Flags().StringVar(&secret, "secret", "", "pre-shared secret")
	cmd.MarkFlagRequired("device-id")
	cmd.MarkFlagRequired("secret")
	return cmd
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Remove a device from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, repo *deviceRepo.DeviceRepo) error {
				ok, err := repo.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("device %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, repo *deviceRepo.DeviceRepo) error {
				devices, err := repo.List(ctx)
				if err != nil {
					return err
				}
				for _, d := range devices {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", d.DeviceID, d.CreatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func setup() (*config.ServerConfig, error) {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRegistry(ctx context.Context, fn func(context.Context, *deviceRepo.DeviceRepo) error) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	client, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer client.Disconnect(context.Background())

	return fn(ctx, deviceRepo.NewDeviceRepo(client.Database(cfg.Mongo.Database)))
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
