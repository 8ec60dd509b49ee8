package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/stromer/internal/config"
	"github.com/joshp123/stromer/internal/log"
	"github.com/joshp123/stromer/internal/mqtt"
	"github.com/joshp123/stromer/internal/oauth"
	"github.com/joshp123/stromer/internal/rate"
	"github.com/joshp123/stromer/internal/server"
	"github.com/joshp123/stromer/plugins/stromer"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll every bike and serve health and metrics until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), loader, cfg, logger)
		},
	}
}

func intervalsFrom(cfg *config.Config) stromer.Intervals {
	return stromer.Intervals{
		Poll:   cfg.Poll.Interval(),
		Active: cfg.Poll.ActiveInterval(),
		Stats:  cfg.Poll.StatsInterval(),
	}
}

func run(ctx context.Context, loader *config.Loader, cfg *config.Config, logger log.Logger) error {
	sess, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	if err := sess.resume(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	bikes, err := sess.client.Bikes(ctx)
	if err != nil {
		return fmt.Errorf("discover bikes: %w", err)
	}
	for _, bike := range bikes {
		logger.Info("bike discovered", "bike_id", bike.ID, "nickname", bike.Nickname, "model", bike.Model)
	}

	var bridge *stromer.Bridge
	if cfg.MQTT.Enabled {
		broker, err := connectMQTT(cfg, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
		bridge = stromer.NewBridge(broker, cfg.MQTT.TopicPrefix, logger)
	}

	svc := stromer.NewService(sess.client, bikes, intervalsFrom(cfg), bridge, logger)

	watcher := newConfigWatcher(cfg, svc, sess.switchAccount, logger)
	loader.Watch(func(next *config.Config) { watcher.apply(ctx, next) })

	registry := server.MetricsRegistry(
		oauth.MetricsCollectors(),
		rate.MetricsCollectors(),
		stromer.MetricsCollectors(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	if cfg.Metrics.Addr != "" {
		httpServer := server.NewHTTPServer(cfg.Metrics.Addr, registry, svc)
		g.Go(func() error { return httpServer.Run(ctx) })
	}
	logger.Info("running", "bikes", len(bikes), "metrics_addr", cfg.Metrics.Addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func connectMQTT(cfg *config.Config, logger log.Logger) (*mqtt.Client, error) {
	clientID := cfg.MQTT.ClientID
	if host, err := os.Hostname(); err == nil && clientID == "" {
		clientID = "stromer-" + host
	}
	client, err := mqtt.Connect(mqtt.Config{
		Host:      cfg.MQTT.Host,
		Port:      cfg.MQTT.Port,
		TLS:       cfg.MQTT.TLS,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		ClientID:  clientID,
		WillTopic: cfg.MQTT.TopicPrefix + "/status",
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	return client, nil
}
