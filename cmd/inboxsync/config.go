package main

import (
	"encoding/json"
	"fmt"
	"io"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Apply .env and INBOXSYNC_* overrides before printing")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit ~/.inboxsync/config.toml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored settings with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadConfig
		if configShowEffective {
			load = resolveConfig
		}
		cfg, err := load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return writeConfig(cmd.OutOrStdout(), masked(cfg), jsonOutput)
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <section.field> <value>",
	Short:   "Change one stored setting",
	Example: "  inboxsync config set sync.page_size 20\n  inboxsync config set push.addr :8090",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := args[1]
		if args[0] == "auth.token" || args[0] == "push.secret" {
			shown = maskKey(shown)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s updated to %s\n", args[0], shown)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// masked returns a copy of cfg safe to print.
func masked(cfg *Config) *Config {
	out := *cfg
	if out.Auth.Token != "" {
		out.Auth.Token = maskKey(out.Auth.Token)
	}
	if out.Push.Secret != "" {
		out.Push.Secret = maskKey(out.Push.Secret)
	}
	return &out
}

func writeConfig(w io.Writer, cfg *Config, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(w).Encode(cfg)
}
