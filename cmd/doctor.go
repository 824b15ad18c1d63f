package cmd

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/cron"
	"github.com/nextlevelbuilder/replydesk/internal/kb"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("replydesk doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Model endpoints
	fmt.Println()
	fmt.Println("  Models:")
	checkKey("Assistant", cfg.Assistant.Model, cfg.Assistant.APIKey)
	checkKey("Embedding", cfg.KB.Embedding.Model, cfg.KB.Embedding.APIKey)

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("WebChat", cfg.Channels.WebChat.Enabled, cfg.Channels.WebChat.Listen != "")

	// Storage
	fmt.Println()
	fmt.Println("  Storage:")
	checkPath("Data dir", cfg.DataDir)
	switch cfg.Silence.Backend {
	case "file":
		fmt.Printf("    %-12s file %s\n", "Silence:", cfg.Silence.Path)
	case "redis":
		fmt.Printf("    %-12s redis %s\n", "Silence:", cfg.Silence.RedisAddr)
	default:
		fmt.Printf("    %-12s %s\n", "Silence:", cfg.Silence.Backend)
	}
	switch cfg.Source.Kind {
	case "s3":
		fmt.Printf("    %-12s s3://%s/%s\n", "Source:", cfg.Source.S3.Bucket, cfg.Source.S3.Prefix)
	default:
		checkPath("Source", cfg.Source.Dir)
	}

	// Knowledge base
	fmt.Println()
	layout := kb.Layout{Root: cfg.KB.Root}
	fmt.Printf("  Knowledge base: %s\n", layout.Root)
	active, err := layout.Active()
	switch {
	case errors.Is(err, kb.ErrNoActiveVersion):
		fmt.Println("    Active:      none (run: replydesk kb rebuild)")
	case err != nil:
		fmt.Printf("    Active:      %s (BROKEN: %s)\n", active.ID, err)
	default:
		fmt.Printf("    Active:      %s (%d chunks)\n", active.ID, active.Count)
	}

	// Jobs
	if states, err := cron.LoadState(cronStatePath(cfg)); err == nil && len(states) > 0 {
		fmt.Println()
		fmt.Println("  Jobs:")
		for name, st := range states {
			status := st.LastStatus
			if status == "" {
				status = "never run"
			}
			fmt.Printf("    %-16s %s\n", name+":", status)
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkKey(name, model, apiKey string) {
	if apiKey != "" {
		fmt.Printf("    %-12s %s (key %s)\n", name+":", model, maskKey(apiKey))
	} else {
		fmt.Printf("    %-12s %s (no api key)\n", name+":", model)
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkPath(name, path string) {
	if path == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND)\n", name+":", path)
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
