package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/consolesync/internal/config"
	"github.com/steveyegge/consolesync/internal/dispatcher"
	"github.com/steveyegge/consolesync/internal/feed"
	"github.com/steveyegge/consolesync/internal/loader"
	"github.com/steveyegge/consolesync/internal/scheduler"
	"github.com/steveyegge/consolesync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch <entity>",
	GroupID: "sync",
	Short:   "Keep a collection view live",
	Long: `Sync an entity collection and re-render it whenever it changes.

The backend change stream (/event) triggers a re-sync of the watched entity.
With --warm the last cached snapshot is shown before the first sync returns.
Every applied sync is written to the snapshot cache.

Example usage:
  consolesync watch users
  consolesync watch checks --warm --metrics-addr :9090`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt := setup(cmd)
		defer rt.close()

		format, _ := cmd.Flags().GetString("output")
		warm, _ := cmd.Flags().GetBool("warm")
		noFeed, _ := cmd.Flags().GetBool("no-feed")
		page, _ := cmd.Flags().GetInt("page")
		filter := filterFlags(cmd)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		snapshots := rt.openCache()
		defer snapshots.Close()

		loop := scheduler.NewLoop(256)
		defer loop.Close()

		app := rt.app(snapshots, loop)
		defer app.Close()

		e := entityOrExit(app, args[0])
		logger := rt.logger("watch")

		rt.loader.Watch(func(cfg *config.Config) {
			if err := rt.sink.SetLevel(cfg.LogLevel); err != nil {
				logger.Printf("Warning: %v", err)
				return
			}
			logger.Printf("Log level set to %s", cfg.LogLevel)
		}, func(err error) {
			logger.Printf("Warning: ignoring config change: %v", err)
		})

		render := func() {
			if ui.Colour() {
				fmt.Print("\033[H\033[2J")
			} else {
				fmt.Println()
			}
			if err := writeListing(os.Stdout, snapshotOf(e), format); err != nil {
				logger.Printf("Error: %v", err)
			}
		}
		e.AddChangeListener(render)

		app.Loader().Bus().Register(func(msg dispatcher.Message) {
			if m, ok := msg.(loader.BusyMessage); ok && m.Busy {
				fmt.Fprintln(os.Stderr, ui.RenderMuted("syncing..."))
			}
		})

		if warm {
			n, err := app.Warm(ctx)
			if err != nil {
				logger.Printf("Warning: failed to read cache: %v", err)
			} else if n > 0 {
				logger.Printf("Restored %d cached collections", n)
			}
		}

		if addr := rt.cfg.MetricsAddr; addr != "" {
			srv := &http.Server{Addr: addr, Handler: app.Metrics().Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Printf("Metrics server error: %v", err)
				}
			}()
			defer srv.Close()
			logger.Printf("Metrics on http://%s/metrics", addr)
		}

		if !noFeed {
			f, err := feed.New(&feed.Config{
				URL:      rt.cfg.EventURL(),
				Changes:  app.Changes(),
				Entities: []string{e.Name()},
				Logger:   rt.logger("feed"),
			})
			if err != nil {
				fatalf("Error: %v", err)
			}
			go func() { _ = f.Run(ctx) }()
		}

		if err := load(ctx, e, page, filter); err != nil && ctx.Err() == nil {
			// Already alerted; keep watching for the next change.
			logger.Printf("Initial sync failed: %v", err)
		}

		<-ctx.Done()
		fmt.Println()
		fmt.Println("Stopped watching", e.Name())
	},
}

func init() {
	addFilterFlags(watchCmd)
	watchCmd.Flags().StringP("output", "o", outputTable, "Output format: table, yaml or json")
	watchCmd.Flags().Bool("warm", false, "Render the cached snapshot before the first sync")
	watchCmd.Flags().Bool("no-feed", false, "Do not subscribe to backend change events")
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(watchCmd)
}
