package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	ecosync "github.com/ecotrack-app/ecosync"
)

var (
	flagConfig string
	flagOwner  string
)

var rootCmd = &cobra.Command{
	Use:          "ecosync",
	Short:        "EcoTrack local-first sync core",
	Long:         "Inspect and drive the EcoTrack offline cache, sync queue, and realtime subscriptions.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config.toml (default ~/.ecosync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagOwner, "owner", "", "owner id (overrides config)")
}

// loadConfig resolves the config path and applies the --owner override.
func loadConfig() (*ecosync.Config, error) {
	path := flagConfig
	if path == "" {
		p, err := ecosync.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := ecosync.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if flagOwner != "" {
		cfg.OwnerID = flagOwner
	}
	return cfg, nil
}

func requireOwner(cfg *ecosync.Config) (string, error) {
	if cfg.OwnerID == "" {
		return "", fmt.Errorf("owner id is required (set --owner, ECOSYNC_OWNER, or owner_id in config)")
	}
	return cfg.OwnerID, nil
}

// buildCore wires the store, client and syncer from config. The store opens
// degraded rather than failing, matching the app's network-only fallback.
func buildCore(cfg *ecosync.Config) (*ecosync.Store, *ecosync.Client, *ecosync.Syncer) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := ecosync.OpenStoreOrDegraded(ecosync.StoreConfig{Path: cfg.StorePath}, logger)
	client := ecosync.NewClient(cfg.BaseURL, ecosync.WithToken(cfg.Token), ecosync.WithClientLogger(logger))
	syncer := ecosync.NewSyncer(store, client, &ecosync.SyncerOptions{
		FlushInterval: cfg.FlushInterval(),
		ActivityLimit: cfg.ActivityLimit,
		Logger:        logger,
	})
	return store, client, syncer
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
