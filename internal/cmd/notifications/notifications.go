// Package notifications wires configuration and startup for the
// notifications inbox service command.
package notifications

import (
	"context"
	"flag"
	"fmt"

	"github.com/harborview/taskhub/internal/notifications/app"
	"github.com/harborview/taskhub/internal/platform/cmd"
)

// Config holds notifications service settings.
type Config struct {
	HTTPAddr       string `env:"TASKHUB_NOTIFICATIONS_HTTP_ADDR" envDefault:":8092"`
	DBPath         string `env:"TASKHUB_NOTIFICATIONS_DB_PATH" envDefault:"notifications.db"`
	AuthHMACSecret string `env:"TASKHUB_AUTH_HMAC_SECRET"`
	ProducerSecret string `env:"TASKHUB_NOTIFICATIONS_PRODUCER_SECRET"`

	RealtimeURL           string `env:"TASKHUB_REALTIME_URL"`
	RealtimePublishSecret string `env:"TASKHUB_REALTIME_PUBLISH_SECRET"`
}

// ParseConfig loads configuration from the environment and command-line flags.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := cmd.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "listen address for the notifications HTTP server")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the notifications sqlite database")
	fs.StringVar(&cfg.AuthHMACSecret, "auth-hmac-secret", cfg.AuthHMACSecret, "HMAC secret used to verify access tokens")
	fs.StringVar(&cfg.ProducerSecret, "producer-secret", cfg.ProducerSecret, "shared secret gating the producer endpoint")
	fs.StringVar(&cfg.RealtimeURL, "realtime-url", cfg.RealtimeURL, "realtime service base URL for push delivery")
	fs.StringVar(&cfg.RealtimePublishSecret, "realtime-publish-secret", cfg.RealtimePublishSecret, "shared secret for the realtime publish endpoint")
	if err := cmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the notifications service and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	return cmd.RunWithTelemetry(ctx, cmd.ServiceNotifications, func(ctx context.Context) error {
		if err := app.Run(ctx, app.Config{
			HTTPAddr:              cfg.HTTPAddr,
			DBPath:                cfg.DBPath,
			AuthHMACSecret:        cfg.AuthHMACSecret,
			ProducerSecret:        cfg.ProducerSecret,
			RealtimeURL:           cfg.RealtimeURL,
			RealtimePublishSecret: cfg.RealtimePublishSecret,
		}); err != nil {
			return fmt.Errorf("serve notifications: %w", err)
		}
		return nil
	})
}
