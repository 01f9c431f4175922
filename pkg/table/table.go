// Package table renders clusterctl's introspection views (endpoints,
// objects, assignments) as fixed-width text tables.
package table

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
)

type (
	// Table is a set of rows to be rendered under a header.
	Table struct {
		Columns       []Column
		Data          []Row
		Sort          []int
		ColumnSpacing string
		// Colorize, if non-nil, is called once per rendered cell and may
		// wrap the value in ANSI color codes (no-op when stdout isn't a
		// terminal — callers gate this with color.NoColor).
		Colorize func(col int, value string) string
	}

	// Row is a single row of rendered cell values.
	Row = []string

	// Column describes one column's header and sizing rule.
	Column struct {
		Header    string
		Width     int
		Hide      bool
		Flexible  bool
		LeftAlign bool
	}
)

const defaultColumnSpacing = "  "

// New creates a table with the given columns and rows.
func New(cols []Column, data []Row) Table {
	return Table{
		Columns:       cols,
		Data:          data,
		Sort:          []int{},
		ColumnSpacing: defaultColumnSpacing,
	}
}

// Render writes the full table, header first, to w.
func (t *Table) Render(w io.Writer) {
	widths := t.columnWidths()
	t.renderRow(w, t.headerRow(), widths, nil)
	t.sort()
	for _, row := range t.Data {
		t.renderRow(w, row, widths, t.Colorize)
	}
}

func (t *Table) columnWidths() []int {
	widths := make([]int, len(t.Columns))
	for c, col := range t.Columns {
		width := col.Width
		if col.Flexible {
			if len(col.Header) > width {
				width = len(col.Header)
			}
			for _, row := range t.Data {
				if len(row[c]) > width {
					width = len(row[c])
				}
			}
		}
		widths[c] = width
	}
	return widths
}

func (t *Table) sort() {
	if len(t.Sort) == 0 {
		return
	}
	sort.SliceStable(t.Data, func(i, j int) bool {
		for _, col := range t.Sort {
			if t.Data[i][col] != t.Data[j][col] {
				return t.Data[i][col] < t.Data[j][col]
			}
		}
		return false
	})
}

func (t *Table) renderRow(w io.Writer, row Row, widths []int, colorize func(int, string) string) {
	for c, col := range t.Columns {
		if col.Hide {
			continue
		}
		value := row[c]
		if len(value) > widths[c] {
			value = value[:widths[c]]
		}
		padding := strings.Repeat(" ", widths[c]-len(value))
		rendered := value
		if colorize != nil {
			rendered = colorize(c, value)
		}
		if col.LeftAlign {
			fmt.Fprintf(w, "%s%s%s", rendered, padding, t.ColumnSpacing)
		} else {
			fmt.Fprintf(w, "%s%s%s", padding, rendered, t.ColumnSpacing)
		}
	}
	fmt.Fprint(w, "\n")
}

func (t *Table) headerRow() Row {
	row := make(Row, len(t.Columns))
	for c, col := range t.Columns {
		row[c] = col.Header
	}
	return row
}

// StatusColorizer colorizes the column at statusCol: green for
// "Established", "ok" and "true", yellow for "Connecting" and "Handshaking",
// red for "Disconnected" and "false"; any other value is left uncolored.
// No-ops (returns the value unchanged) when color.NoColor is set.
func StatusColorizer(statusCol int) func(col int, value string) string {
	return func(col int, value string) string {
		if color.NoColor || col != statusCol {
			return value
		}
		switch value {
		case "Established", "ok", "true":
			return color.GreenString(value)
		case "Connecting", "Handshaking":
			return color.YellowString(value)
		case "Disconnected", "false":
			return color.RedString(value)
		default:
			return value
		}
	}
}
