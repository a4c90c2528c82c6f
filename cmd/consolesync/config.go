package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"

	"github.com/steveyegge/consolesync/internal/config"
	"github.com/steveyegge/consolesync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage consolesync configuration",
	Long: `Manage the consolesync configuration file.

Settings are read from config.yaml or config.toml in ` + config.Dir() + `,
then CONSOLESYNC_* environment variables, then command-line flags.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Run: func(cmd *cobra.Command, args []string) {
		rt := setup(cmd)
		defer rt.close()

		force, _ := cmd.Flags().GetBool("force")
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = filepath.Join(config.Dir(), "config.toml")
		}

		if err := config.WriteTOML(path, rt.cfg, force); err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Run: func(cmd *cobra.Command, args []string) {
		rt := setup(cmd)
		defer rt.close()

		cfg := *rt.cfg
		if cfg.CSRFToken != "" {
			cfg.CSRFToken = "********"
		}
		source := rt.loader.File()
		if source == "" {
			source = "(defaults)"
		}
		fmt.Fprintln(os.Stderr, ui.RenderMuted("# source: "+source))

		out, err := yaml.Marshal(map[string]any{
			"base_url":     cfg.BaseURL,
			"csrf_token":   cfg.CSRFToken,
			"feed_url":     cfg.EventURL(),
			"page_count":   cfg.PageCount,
			"timeout":      cfg.Timeout.String(),
			"cache_path":   cfg.CachePath,
			"log_file":     cfg.LogFile,
			"log_level":    cfg.LogLevel,
			"metrics_addr": cfg.MetricsAddr,
		})
		if err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Print(string(out))
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(configCmd)
}
