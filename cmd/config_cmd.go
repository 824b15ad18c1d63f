package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration (secrets redacted)",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
				os.Exit(1)
			}

			// Redact secrets before display
			redacted := redactConfig(cfg)
			data, _ := json.MarshalIndent(redacted, "", "  ")
			fmt.Println(string(data))
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
				fmt.Printf("No config file at %s; defaults and environment apply.\n", cfgPath)
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid config: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Config at %s is valid.\n", cfgPath)
			for _, w := range configWarnings(cfg) {
				fmt.Printf("  warning: %s\n", w)
			}
		},
	}
}

// redactConfig returns a JSON-safe copy with secrets masked.
func redactConfig(cfg *config.Config) interface{} {
	data, _ := json.Marshal(cfg)
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	redactMap(raw)
	return raw
}

func redactMap(m map[string]interface{}) {
	secretKeys := map[string]bool{
		"api_key": true, "token": true,
		"redis_password": true, "postgres_dsn": true,
	}
	for k, v := range m {
		if secretKeys[k] {
			if s, ok := v.(string); ok && len(s) > 8 {
				m[k] = s[:4] + "****" + s[len(s)-4:]
			} else if s, ok := v.(string); ok && s != "" {
				m[k] = "****"
			}
		} else if sub, ok := v.(map[string]interface{}); ok {
			redactMap(sub)
		}
	}
}

// configWarnings lists settings that load fine but leave a feature off.
func configWarnings(cfg *config.Config) []string {
	var out []string
	ch := cfg.Channels
	if !ch.Telegram.Enabled && !ch.Discord.Enabled && !ch.WebChat.Enabled {
		out = append(out, "no channel enabled; the gateway will refuse to start")
	}
	if cfg.Assistant.APIKey == "" {
		out = append(out, "assistant.api_key is empty; every request will fail")
	}
	if cfg.KB.Embedding.APIKey == "" {
		out = append(out, "kb.embedding.api_key is empty; the index is searched by full text only")
	}
	if cfg.Source.Kind == "dir" && cfg.Source.Dir == "" {
		out = append(out, "source.dir is empty; /update and kb rebuild are disabled")
	}
	if len(cfg.Roles.Admins) == 0 && len(cfg.Roles.Managers) == 0 {
		out = append(out, "no admins or managers; staff commands are unusable")
	}
	return out
}
