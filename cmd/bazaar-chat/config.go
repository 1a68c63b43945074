package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configEnvCmd)

	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Show the merged configuration with BAZAARLY_* overrides applied")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage bazaar-chat configuration",
	Long: `View or modify the bazaar-chat configuration stored in ~/.bazaarly/config.toml.

Environment variables override the file at runtime but are never written
back to it. Run 'bazaar-chat config env' to list them.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if configShowEffective {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Auth.Token != "" {
				cfg.Auth.Token = maskKey(cfg.Auth.Token)
			}
			data, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			fmt.Fprint(out, string(data))

			overrides, err := envOverrides()
			if err != nil {
				return err
			}
			for _, key := range overrides {
				fmt.Fprintf(out, "# overridden by %s\n", key)
			}
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration file found. Run 'bazaar-chat login <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(out, string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the configuration file",
	Long: `Set a configuration value using dot notation.

Keys:
  default.environment        production or staging
  default.base_url           server URL, wins over the environment
  auth.token                 chat token
  auth.user_id               user the token belongs to
  auth.token_expires         RFC 3339 expiry
  chat.history_limit         messages loaded per room
  chat.ack_timeout           e.g. 15s
  chat.reconnect_max_delay   e.g. 1m

Example: bazaar-chat config set chat.ack_timeout 15s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		overrides, err := envOverrides()
		if err != nil {
			return err
		}
		if len(overrides) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Note: %d environment override(s) active, see 'bazaar-chat config env'.\n", len(overrides))
		}
		return nil
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables that override the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := env.GetFieldParams(&Config{})
		if err != nil {
			return fmt.Errorf("failed to inspect config: %w", err)
		}
		for _, p := range params {
			state := "unset"
			if _, ok := os.LookupEnv(p.Key); ok {
				state = "set"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", p.Key, state)
		}
		return nil
	},
}

// envOverrides returns the BAZAARLY_* variables currently set.
func envOverrides() ([]string, error) {
	params, err := env.GetFieldParams(&Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect config: %w", err)
	}
	var set []string
	for _, p := range params {
		if _, ok := os.LookupEnv(p.Key); ok {
			set = append(set, p.Key)
		}
	}
	return set, nil
}
