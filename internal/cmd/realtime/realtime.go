// Package realtime parses realtime command flags and runs the service.
package realtime

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/stillwater-app/stillwater/internal/platform/cmd"
	"github.com/stillwater-app/stillwater/internal/services/realtime/app"
)

// Config holds realtime command configuration.
type Config struct {
	HTTPAddr        string        `env:"STILLWATER_REALTIME_HTTP_ADDR"        envDefault:":8087"`
	StoragePath     string        `env:"STILLWATER_REALTIME_DB_PATH"          envDefault:"realtime.db"`
	TokenSecret     string        `env:"STILLWATER_REALTIME_TOKEN_SECRET"`
	ShutdownTimeout time.Duration `env:"STILLWATER_REALTIME_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "realtime HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "db-path", cfg.StoragePath, "realtime sqlite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "websocket token signing secret")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the realtime server and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRealtime, func(ctx context.Context) error {
		server, err := app.NewServer(app.Config{
			HTTPAddr:        cfg.HTTPAddr,
			StoragePath:     cfg.StoragePath,
			TokenSecret:     cfg.TokenSecret,
			ShutdownTimeout: cfg.ShutdownTimeout,
		})
		if err != nil {
			return fmt.Errorf("build realtime server: %w", err)
		}
		defer server.Close()

		if err := server.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("serve realtime: %w", err)
		}
		return nil
	})
}
