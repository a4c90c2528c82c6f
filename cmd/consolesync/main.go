package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/consolesync/internal/cache"
	"github.com/steveyegge/consolesync/internal/config"
	"github.com/steveyegge/consolesync/internal/console"
	"github.com/steveyegge/consolesync/internal/logging"
	"github.com/steveyegge/consolesync/internal/scheduler"
	"github.com/steveyegge/consolesync/internal/transport"
	"github.com/steveyegge/consolesync/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "consolesync",
	Short: "Keep local views of console collections in sync with the backend",
	Long: `consolesync lists and watches the collections of a management console
backend (users, devices, certificates, checks and more).

Every view is backed by a store that only accepts the newest response, so a
slow request can never overwrite a fresher one. Watch mode re-syncs on
backend change events and can start from the last cached snapshot.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "dev", Title: "Development Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: "+config.Dir()+"/config.{yaml,toml})")
	flags.String("base-url", "", "Backend root URL")
	flags.String("csrf-token", "", "Session CSRF token")
	flags.Int("page-count", 0, "Records per page")
	flags.Duration("timeout", 0, "Per-request timeout")
	flags.String("cache-path", "", "Snapshot cache database")
	flags.String("log-file", "", "Write rotated logs to this file")
	flags.String("log-level", "", "Console log level: info or quiet")
	flags.Bool("no-color", false, "Disable styled output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles what every command builds from flags and config.
type runtime struct {
	cfg    *config.Config
	loader *config.Loader
	sink   *logging.Sink
}

// setup loads configuration and the log sink, exiting on failure.
func setup(cmd *cobra.Command) *runtime {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		ui.SetColour(false)
	}

	path, _ := cmd.Flags().GetString("config")
	loader, err := config.NewLoader(path, cmd.Flags())
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		fatalf("Error: %v", err)
	}

	sink, err := logging.NewSink(&logging.Options{
		File:  cfg.LogFile,
		Level: cfg.LogLevel,
	})
	if err != nil {
		fatalf("Error opening log: %v", err)
	}
	return &runtime{cfg: cfg, loader: loader, sink: sink}
}

func (r *runtime) logger(name string) *log.Logger {
	return r.sink.Logger(name)
}

func (r *runtime) client() *transport.Client {
	client, err := transport.NewClient(&transport.Config{
		BaseURL:   r.cfg.BaseURL,
		CSRFToken: r.cfg.CSRFToken,
		Logger:    r.logger("transport"),
	})
	if err != nil {
		fatalf("Error: %v", err)
	}
	return client
}

// app builds the console. c may be nil to run without the snapshot cache.
func (r *runtime) app(c *cache.Cache, sched scheduler.Scheduler) *console.App {
	app, err := console.New(&console.Options{
		Requester: timeoutRequester{next: r.client(), timeout: r.cfg.Timeout},
		PageCount: r.cfg.PageCount,
		Scheduler: sched,
		Cache:     c,
		OnExpired: func() {
			fmt.Fprintf(os.Stderr, "%s Session expired. Log in again and update csrf_token.\n", ui.RenderWarn("⚠"))
		},
		Logger: r.logger("console"),
	})
	if err != nil {
		fatalf("Error: %v", err)
	}
	return app
}

func (r *runtime) openCache() *cache.Cache {
	c, err := cache.Open(r.cfg.CachePath)
	if err != nil {
		fatalf("Error opening cache: %v", err)
	}
	return c
}

func (r *runtime) close() {
	_ = r.sink.Close()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
