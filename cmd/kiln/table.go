package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// tableSpec describes the columns of a rendered table. Missing cells render
// empty; a footer, when set, is printed under a separator.
type tableSpec struct {
	headers []string
	aligns  []columnAlignment
	footer  []string
}

func (s tableSpec) render(rows [][]string) string {
	if len(s.headers) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Footer = text.FormatDefault
	tw.AppendHeader(s.row(s.headers))
	for _, r := range rows {
		tw.AppendRow(s.row(r))
	}
	if len(s.footer) > 0 {
		tw.AppendFooter(s.row(s.footer))
	}

	configs := make([]table.ColumnConfig, len(s.headers))
	for i := range configs {
		align := text.AlignLeft
		if i < len(s.aligns) && s.aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft, AlignFooter: align}
	}
	tw.SetColumnConfigs(configs)
	return tw.Render() + "\n"
}

func (s tableSpec) row(cells []string) table.Row {
	out := make(table.Row, len(s.headers))
	for i := range out {
		if i < len(cells) {
			out[i] = cells[i]
		} else {
			out[i] = ""
		}
	}
	return out
}
