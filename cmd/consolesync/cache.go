package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/consolesync/internal/cache"
	"github.com/steveyegge/consolesync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "sync",
	Short:   "Inspect the snapshot cache",
	Long: `Inspect the local snapshot cache.

watch writes the newest applied snapshot of each entity to an SQLite
database so the next run can render before its first sync completes.`,
}

var cacheShowCmd = &cobra.Command{
	Use:   "show [entity]",
	Short: "Show cached snapshots",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt := setup(cmd)
		defer rt.close()

		if _, err := os.Stat(rt.cfg.CachePath); os.IsNotExist(err) {
			fmt.Printf("\n%s Snapshot cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'consolesync watch <entity>' to create it\n\n")
			return
		}

		c := rt.openCache()
		defer c.Close()
		ctx := context.Background()

		if len(args) == 1 {
			snap, err := c.Load(ctx, args[0])
			if errors.Is(err, cache.ErrNotFound) {
				fmt.Printf("%s No snapshot for %s\n", ui.RenderWarn("⚠"), args[0])
				return
			}
			if err != nil {
				fatalf("Error: %v", err)
			}
			var records any
			_ = json.Unmarshal(snap.Records, &records)
			out, _ := json.MarshalIndent(map[string]any{
				"entity":     snap.Entity,
				"count":      snap.Count,
				"page":       snap.Page,
				"updated_at": snap.UpdatedAt,
				"records":    records,
			}, "", "  ")
			fmt.Println(string(out))
			return
		}

		snaps, err := c.List(ctx)
		if err != nil {
			fatalf("Error: %v", err)
		}
		rows := make([][]string, 0, len(snaps))
		for _, s := range snaps {
			rows = append(rows, []string{
				s.Entity,
				fmt.Sprint(s.Count),
				fmt.Sprint(s.Page + 1),
				s.UpdatedAt.Local().Format(time.DateTime),
			})
		}
		fmt.Printf("%s %s\n", ui.RenderAccent("Snapshot cache"), ui.RenderMuted(c.Path()))
		fmt.Print(ui.Table([]string{"ENTITY", "COUNT", "PAGE", "UPDATED"}, rows))
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [entity...]",
	Short: "Delete cached snapshots",
	Run: func(cmd *cobra.Command, args []string) {
		rt := setup(cmd)
		defer rt.close()

		c := rt.openCache()
		defer c.Close()
		ctx := context.Background()

		entities := args
		if len(entities) == 0 {
			snaps, err := c.List(ctx)
			if err != nil {
				fatalf("Error: %v", err)
			}
			for _, s := range snaps {
				entities = append(entities, s.Entity)
			}
		}
		for _, entity := range entities {
			if err := c.Delete(ctx, entity); err != nil {
				fatalf("Error: %v", err)
			}
		}
		fmt.Printf("%s Cleared %d snapshots\n", ui.RenderPass("✓"), len(entities))
	},
}

func init() {
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	rootCmd.AddCommand(cacheCmd)
}
