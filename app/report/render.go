package report

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-runewidth"
)

const errorColumnWidth = 48

// Render writes a per-site table of the cycle followed by its totals.
func Render(w io.Writer, c *Cycle) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Cycle %s (%s) %s", c.ID, c.Trigger, c.Status))
	t.AppendHeader(table.Row{"Site", "Status", "Fetched", "Extracted", "New", "Duplicates", "Duration", "Error"})

	for _, s := range c.Sites {
		t.AppendRow(table.Row{
			s.SiteID,
			s.Status,
			s.PagesFetched,
			s.Extracted,
			s.New,
			s.Duplicates,
			s.Duration.Round(time.Millisecond),
			runewidth.Truncate(s.Error, errorColumnWidth, "…"),
		})
	}

	totals := c.Totals()
	t.AppendFooter(table.Row{
		"Total",
		fmt.Sprintf("%d ok / %d failed", totals.Succeeded, totals.Failed),
		totals.Fetched,
		"",
		totals.New,
		"",
		c.Duration().Round(time.Millisecond),
		"",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}
