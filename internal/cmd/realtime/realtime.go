// Package realtime wires configuration and startup for the realtime
// collaboration service command.
package realtime

import (
	"context"
	"flag"
	"fmt"

	"github.com/harborview/taskhub/internal/platform/cmd"
	"github.com/harborview/taskhub/internal/realtime/server"
)

// Config holds realtime service settings.
type Config struct {
	HTTPAddr       string `env:"TASKHUB_REALTIME_HTTP_ADDR" envDefault:":8091"`
	AuthHMACSecret string `env:"TASKHUB_AUTH_HMAC_SECRET"`
	PublishSecret  string `env:"TASKHUB_REALTIME_PUBLISH_SECRET"`
}

// ParseConfig loads configuration from the environment and command-line flags.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := cmd.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "listen address for the realtime HTTP server")
	fs.StringVar(&cfg.AuthHMACSecret, "auth-hmac-secret", cfg.AuthHMACSecret, "HMAC secret used to verify access tokens")
	fs.StringVar(&cfg.PublishSecret, "publish-secret", cfg.PublishSecret, "shared secret gating the internal publish endpoint")
	if err := cmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the realtime service and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	return cmd.RunWithTelemetry(ctx, cmd.ServiceRealtime, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:       cfg.HTTPAddr,
			AuthHMACSecret: cfg.AuthHMACSecret,
			PublishSecret:  cfg.PublishSecret,
		}); err != nil {
			return fmt.Errorf("serve realtime: %w", err)
		}
		return nil
	})
}
