package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/llmux-dev/llmux/internal/config"
	"github.com/llmux-dev/llmux/internal/obs"
	"github.com/llmux-dev/llmux/internal/server"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := configDir
			if dir == "" {
				dir = config.DefaultDir()
			}

			cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
			if err != nil {
				return err
			}
			obs.Setup(obs.Config{
				Level:      cfg.Log.Level,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})

			srv, err := server.New(cfg, dir)
			if err != nil {
				return err
			}

			watcher, err := config.NewWatcher(cfg)
			if err != nil {
				return err
			}
			watcher.OnReload(srv.OnConfigReload)
			if err := watcher.Start(); err != nil {
				logrus.WithError(err).Warn("config hot reload unavailable")
			} else {
				defer watcher.Stop()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}
