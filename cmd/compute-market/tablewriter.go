package main

import (
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
)

type VisualTable struct {
	Header   []string
	Data     [][]string
	RowColor []RowColor
}

// RowColor colours the given columns of one row.
type RowColor struct {
	row    int
	column []int
	color  []tablewriter.Colors
}

func NewVisualTable(header []string, data [][]string, rowColor []RowColor) *VisualTable {
	return &VisualTable{
		Header:   header,
		Data:     data,
		RowColor: rowColor,
	}
}

func (v *VisualTable) Generate() {
	table := tablewriter.NewWriter(os.Stdout)

	colored := make(map[int]RowColor, len(v.RowColor))
	for _, rc := range v.RowColor {
		colored[rc.row] = rc
	}
	for index, datum := range v.Data {
		rc, ok := colored[index]
		if !ok {
			table.Append(datum)
			continue
		}
		rowColors := make([]tablewriter.Colors, len(datum))
		for n, col := range rc.column {
			if col < len(rowColors) {
				rowColors[col] = rc.color[n]
			}
		}
		table.Rich(datum, rowColors)
	}

	table.SetHeader(v.Header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.Render()
}

// statusColor highlights a status column: green when done, red when failed.
func statusColor(row, column int, status string) (RowColor, bool) {
	var c tablewriter.Colors
	switch strings.ToLower(status) {
	case "completed", "confirmed", "committed", "released":
		c = tablewriter.Colors{tablewriter.Bold, tablewriter.FgGreenColor}
	case "failed", "rolledback":
		c = tablewriter.Colors{tablewriter.Bold, tablewriter.FgRedColor}
	case "cancelled":
		c = tablewriter.Colors{tablewriter.FgYellowColor}
	default:
		return RowColor{}, false
	}
	return RowColor{row: row, column: []int{column}, color: []tablewriter.Colors{c}}, true
}
