package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/consolesync/internal/scheduler"
	"github.com/steveyegge/consolesync/internal/ui"
)

var logCmd = &cobra.Command{
	Use:     "log <entity> [path]",
	GroupID: "sync",
	Short:   "Run a cancellable log or chart query",
	Long: `Fetch a sub-resource of an entity, such as a log or chart series.

The query can be cancelled with Ctrl+C; a cancelled query prints nothing.
--since accepts a duration (90m), an RFC 3339 time or an expression such
as "2 hours ago" or "yesterday".

Example usage:
  consolesync log checks                        # GET /checks/logs
  consolesync log checks chart --since 24h
  consolesync log sessions logs --since "yesterday"`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		rt := setup(cmd)
		defer rt.close()

		subpath := "logs"
		if len(args) == 2 {
			subpath = args[1]
		}
		query := url.Values{}
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fatalf("Error: %v", err)
			}
			query.Set("since", t.UTC().Format(time.RFC3339))
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			query.Set("limit", fmt.Sprint(limit))
		}

		app := rt.app(nil, scheduler.NewManual())
		defer app.Close()
		e := entityOrExit(app, args[0])

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		go func() {
			<-ctx.Done()
			e.CancelPending()
		}()

		// The signal context only aborts through CancelPending.
		raw, err := e.Fetch(context.Background(), subpath, query)
		if err != nil {
			fatalf("Error: %v", err)
		}
		if raw == nil {
			if ctx.Err() != nil {
				fmt.Fprintln(os.Stderr, ui.RenderWarn("Query cancelled"))
			}
			return
		}

		var pretty any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			fatalf("Error: %v", err)
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	},
}

func init() {
	logCmd.Flags().String("since", "", "Only entries after this time")
	logCmd.Flags().Int("limit", 0, "Maximum number of entries")

	rootCmd.AddCommand(logCmd)
}
