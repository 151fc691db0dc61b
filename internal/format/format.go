// Package format renders CLI summaries: tables for variants, pruning
// results and check reports, and human-readable counts.
package format

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Mode controls the output format.
type Mode int

const (
	ASCII    Mode = iota // box-drawn terminal tables
	Markdown             // GitHub-flavoured Markdown tables
	CSV                  // comma-separated, for scripts
)

// ParseMode maps "table", "markdown" and "csv" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "table", "ascii":
		return ASCII, nil
	case "markdown", "md":
		return Markdown, nil
	case "csv":
		return CSV, nil
	default:
		return ASCII, fmt.Errorf("unknown output format %q (want table, markdown or csv)", s)
	}
}

// ColumnAlign specifies the horizontal alignment for a column.
type ColumnAlign int

const (
	AlignDefault ColumnAlign = iota
	AlignLeft
	AlignCenter
	AlignRight
)

// ColumnConfig controls per-column formatting.
type ColumnConfig struct {
	Number   int         // 1-based column index
	Align    ColumnAlign // horizontal alignment
	MaxWidth int         // wrap content beyond this width (0 = unlimited)
}

// Table collects rows and renders them in the Mode chosen at creation.
type Table interface {
	Header(cols ...string)
	// Row appends a data row. Values are printed with fmt.Sprint.
	Row(vals ...any)
	// Footer appends a totals row. CSV output omits it.
	Footer(vals ...any)
	Columns(cfgs ...ColumnConfig)
	Len() int
	String() string
}

// NewTable returns an empty table rendering in mode m.
func NewTable(m Mode) Table {
	w := table.NewWriter()
	if m == ASCII {
		w.SetStyle(table.StyleLight)
	}
	return &prettyTable{w: w, mode: m}
}

type prettyTable struct {
	w    table.Writer
	mode Mode
	rows int
}

func toRow(vals []any) table.Row {
	row := make(table.Row, len(vals))
	copy(row, vals)
	return row
}

func (p *prettyTable) Header(cols ...string) {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = c
	}
	p.w.AppendHeader(row)
}

func (p *prettyTable) Row(vals ...any) {
	p.w.AppendRow(toRow(vals))
	p.rows++
}

func (p *prettyTable) Footer(vals ...any) {
	if p.mode == CSV {
		return
	}
	p.w.AppendFooter(toRow(vals))
}

func (p *prettyTable) Columns(cfgs ...ColumnConfig) {
	out := make([]table.ColumnConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = table.ColumnConfig{
			Number:   c.Number,
			Align:    toTextAlign(c.Align),
			WidthMax: c.MaxWidth,
		}
	}
	p.w.SetColumnConfigs(out)
}

func (p *prettyTable) Len() int { return p.rows }

func (p *prettyTable) String() string {
	switch p.mode {
	case Markdown:
		return p.w.RenderMarkdown()
	case CSV:
		return p.w.RenderCSV()
	default:
		return p.w.Render()
	}
}

func toTextAlign(a ColumnAlign) text.Align {
	switch a {
	case AlignLeft:
		return text.AlignLeft
	case AlignRight:
		return text.AlignRight
	case AlignCenter:
		return text.AlignCenter
	default:
		return text.AlignDefault
	}
}
