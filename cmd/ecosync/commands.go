package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	ecosync "github.com/ecotrack-app/ecosync"
)

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the owner's stats (cached when fresh, network otherwise)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		owner, err := requireOwner(cfg)
		if err != nil {
			return err
		}
		store, _, syncer := buildCore(cfg)
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		stats, err := syncer.Stats(ctx, owner)
		if err != nil {
			return fmt.Errorf("fetch stats: %w", err)
		}
		fmt.Printf("points:         %d\n", stats.Points)
		fmt.Printf("pickups:        %d\n", stats.Pickups)
		fmt.Printf("reports:        %d\n", stats.Reports)
		fmt.Printf("batches:        %d\n", stats.Batches)
		fmt.Printf("total bags:     %d\n", stats.TotalBags)
		fmt.Printf("available bags: %d\n", stats.AvailableBags)
		if !stats.CachedAt.IsZero() {
			fmt.Printf("cached at:      %s\n", stats.CachedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show the reconciled activity feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		owner, err := requireOwner(cfg)
		if err != nil {
			return err
		}
		store, _, syncer := buildCore(cfg)
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		for _, rec := range syncer.Activity(ctx, owner, cfg.ActivityLimit) {
			marker := " "
			if rec.Source == ecosync.SourceLocal && rec.SyncStatus == ecosync.SyncPending {
				marker = "*" // not yet confirmed by the server
			}
			fmt.Printf("%s %s  %-16s %s\n", marker, rec.Timestamp.Format("2006-01-02 15:04"), rec.Type, rec.Message)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending mutation queue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, syncer := buildCore(cfg)
		defer store.Close()

		pending := len(store.ListPendingSync())
		if pending == 0 {
			fmt.Println("queue empty")
			return nil
		}
		fmt.Printf("draining %d pending entries...\n", pending)

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		syncer.Flush(ctx)

		remaining := len(store.ListPendingSync())
		fmt.Printf("done, %d remaining\n", remaining)
		if t, ok := syncer.LastSync(); ok {
			fmt.Printf("last full sync: %s\n", t.Format(time.RFC3339))
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to realtime changes and fold them into the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		owner, err := requireOwner(cfg)
		if err != nil {
			return err
		}
		store, client, syncer := buildCore(cfg)
		defer store.Close()

		manager := ecosync.NewSubscriptionManager(client, nil)
		defer manager.Shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		handles, err := syncer.Watch(ctx, manager, owner)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		fmt.Printf("watching %d channels for %s (ctrl-c to stop)\n", len(handles), owner)

		<-ctx.Done()
		return nil
	},
}