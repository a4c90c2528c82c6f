package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/consolesync/internal/console"
	"github.com/steveyegge/consolesync/internal/models"
	"github.com/steveyegge/consolesync/internal/ui"
)

// Output formats accepted by --output.
const (
	outputTable = "table"
	outputYAML  = "yaml"
	outputJSON  = "json"
)

// listing is the rendered form of one store snapshot.
type listing struct {
	Entity  string          `json:"entity" yaml:"entity"`
	Page    int             `json:"page" yaml:"page"`
	Pages   int             `json:"pages" yaml:"pages"`
	Count   int             `json:"count" yaml:"count"`
	Records []models.Record `json:"records" yaml:"records"`
}

func snapshotOf(e console.Entity) listing {
	return listing{
		Entity:  e.Name(),
		Page:    e.Page(),
		Pages:   e.Pages(),
		Count:   e.Count(),
		Records: e.Records(),
	}
}

func writeListing(w io.Writer, l listing, format string) error {
	switch format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(l)
	case outputTable, "":
		rows := make([][]string, 0, len(l.Records))
		for _, r := range l.Records {
			rows = append(rows, []string{r.RecordID(), r.RecordName()})
		}
		pages := max(l.Pages, 1)
		fmt.Fprintf(w, "%s %s\n", ui.RenderAccent(l.Entity),
			ui.RenderMuted(fmt.Sprintf("page %d/%d, %d total", l.Page+1, pages, l.Count)))
		if len(rows) == 0 {
			_, err := fmt.Fprintln(w, ui.RenderMuted("(no records)"))
			return err
		}
		_, err := fmt.Fprint(w, ui.Table([]string{"ID", "NAME"}, rows))
		return err
	default:
		return fmt.Errorf("unknown output format %q (want table, yaml or json)", format)
	}
}
