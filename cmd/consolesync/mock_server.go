package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/steveyegge/consolesync/internal/mockserver"
	"github.com/steveyegge/consolesync/internal/models"
	"github.com/steveyegge/consolesync/internal/ui"
)

var mockServerCmd = &cobra.Command{
	Use:     "mock-server",
	GroupID: "dev",
	Short:   "Run an in-memory console backend",
	Long: `Start an in-memory backend that serves every entity collection and
broadcasts change events on /event after each write.

Example usage:
  consolesync mock-server                     # Start on default port 8080
  consolesync mock-server --port 9000 --seed 120
  consolesync mock-server --csrf-token secret --metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		seed, _ := cmd.Flags().GetInt("seed")
		withMetrics, _ := cmd.Flags().GetBool("metrics")

		rt := setup(cmd)
		defer rt.close()

		backend := mockserver.NewBackend(mockserver.DefaultSecretFields)
		for _, entity := range models.Entities {
			backend.Seed(entity, demoRecords(entity, seed))
		}

		config := &mockserver.Config{
			Port:      port,
			CSRFToken: rt.cfg.CSRFToken,
			Backend:   backend,
			Logger:    rt.logger("mock-server"),
		}
		if withMetrics {
			config.Metrics = promhttp.Handler()
		}
		server := mockserver.NewServer(config)

		if err := server.Start(); err != nil {
			fatalf("Error: failed to start mock backend: %v", err)
		}

		fmt.Printf("%s Mock backend started on http://localhost:%d\n", ui.RenderPass("✓"), port)
		fmt.Printf("Event stream: ws://localhost:%d/event\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down mock backend...")
		if err := server.Stop(); err != nil {
			fatalf("Error during shutdown: %v", err)
		}
		fmt.Println("Mock backend stopped")
	},
}

// demoRecords generates n plausible records for entity.
func demoRecords(entity string, n int) []mockserver.Record {
	types := []string{"local", "sso", "linux", "windows"}
	orgs := []string{"engineering", "operations"}

	records := make([]mockserver.Record, n)
	for i := range records {
		name := fmt.Sprintf("%s-%03d", entity, i+1)
		r := mockserver.Record{
			"id":           fmt.Sprintf("%s%04d", entity[:1], i+1),
			"name":         name,
			"type":         types[i%len(types)],
			"organization": orgs[i%len(orgs)],
		}
		if entity == models.EntityUsers {
			r["username"] = name
		}
		records[i] = r
	}
	return records
}

func init() {
	mockServerCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	mockServerCmd.Flags().Int("seed", 25, "Records generated per entity")
	mockServerCmd.Flags().Bool("metrics", false, "Serve Go runtime metrics on /metrics")

	rootCmd.AddCommand(mockServerCmd)
}
