package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	ecosync "github.com/ecotrack-app/ecosync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ecosync configuration",
	Long:  "View or modify the configuration stored in ~/.ecosync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := ecosync.DefaultConfigPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'ecosync config set owner_id <id>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\nExample: ecosync config set owner_id usr_123",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path, err := ecosync.DefaultConfigPath()
		if err != nil {
			return err
		}
		cfg, err := ecosync.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		switch key {
		case "base_url":
			cfg.BaseURL = value
		case "token":
			cfg.Token = value
		case "owner_id":
			cfg.OwnerID = value
		case "store_path":
			cfg.StorePath = value
		case "flush_interval_secs":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("flush_interval_secs must be an integer: %w", err)
			}
			cfg.FlushIntervalSecs = n
		case "activity_limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("activity_limit must be an integer: %w", err)
			}
			cfg.ActivityLimit = n
		default:
			return fmt.Errorf("unknown config key %q", key)
		}

		if err := ecosync.SaveConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
