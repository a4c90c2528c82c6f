package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/consolesync/internal/loadtest"
	"github.com/steveyegge/consolesync/internal/transport"
	"github.com/steveyegge/consolesync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "dev",
	Short:   "Run a refresh storm and verify sync bookkeeping",
	Long: `Run many concurrent syncs of one entity through a single store and
action module, then check that every response was counted once as applied,
stale or failed, that the loader ended idle and that the store holds the
final backend state.

By default the storm runs against an in-process mock backend.

Examples:
  # 100 agents, 10 syncs each, against a local mock backend
  consolesync bench

  # Storm a real backend
  consolesync bench --remote --entity devices --agents 20

  # Output results as JSON
  consolesync bench --json
`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("agents", 100, "Number of concurrent agents")
	benchCmd.Flags().Int("syncs", 10, "Number of syncs per agent")
	benchCmd.Flags().Int("records", 1000, "Records seeded into the local backend")
	benchCmd.Flags().String("entity", "users", "Entity to sync")
	benchCmd.Flags().Bool("remote", false, "Use the configured backend instead of a local one")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")

	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	agents, _ := cmd.Flags().GetInt("agents")
	syncs, _ := cmd.Flags().GetInt("syncs")
	records, _ := cmd.Flags().GetInt("records")
	entity, _ := cmd.Flags().GetString("entity")
	remote, _ := cmd.Flags().GetBool("remote")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if agents <= 0 {
		fatalf("Error: --agents must be positive")
	}
	if syncs <= 0 {
		fatalf("Error: --syncs must be positive")
	}

	rt := setup(cmd)
	defer rt.close()

	var requester transport.Requester
	if remote {
		requester = timeoutRequester{next: rt.client(), timeout: rt.cfg.Timeout}
	} else {
		if entity != "users" {
			fatalf("Error: the local backend only seeds users")
		}
		server, client, err := loadtest.LocalBackend(records, rt.logger("mock-server"))
		if err != nil {
			fatalf("Error: failed to start local backend: %v", err)
		}
		defer server.Stop()
		requester = client
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !jsonOutput {
		fmt.Printf("Running refresh storm: %d agents, %d syncs/agent on %s\n\n", agents, syncs, entity)
	}
	result, err := loadtest.Run(ctx, &loadtest.Config{
		Requester:     requester,
		Entity:        entity,
		Agents:        agents,
		SyncsPerAgent: syncs,
		PageCount:     rt.cfg.PageCount,
		Logger:        rt.logger("loadtest"),
	})

	if jsonOutput && result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else if result != nil {
		result.WriteStats(os.Stdout)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "\n%s %v\n", ui.RenderFail("✗"), err)
		os.Exit(1)
	}
	if !jsonOutput {
		fmt.Printf("\n%s Bookkeeping consistent\n", ui.RenderPass("✓"))
	}
}
