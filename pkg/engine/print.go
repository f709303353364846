package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// PrintSummary writes the engine name, its signature and backend specific details as
// aligned tables. Backends use it to implement Print.
func PrintSummary(w io.Writer, name string, sig Signature, details [][2]string) {
	fmt.Fprintln(w, " ", "Engine")
	rows := [][]string{{"", "type", name}}
	for _, d := range details {
		rows = append(rows, []string{"", d[0], d[1]})
	}
	renderTable(w, rows)

	fmt.Fprintln(w, " ", "Signature")
	rows = nil
	for _, in := range sig.Inputs {
		rows = append(rows, []string{"", "input", in.Name, FormatShape(in.Shape)})
	}
	for _, out := range sig.Outputs {
		rows = append(rows, []string{"", "output", out.Name, FormatShape(out.Shape)})
	}
	renderTable(w, rows)
}

func renderTable(w io.Writer, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
	fmt.Fprintln(w)
}

// FormatShape renders a declared shape, with "?" for dynamic dimensions.
func FormatShape(shape []int) string {
	if shape == nil {
		return "unknown"
	}
	dims := make([]string, len(shape))
	for i, d := range shape {
		if d < 0 {
			dims[i] = "?"
		} else {
			dims[i] = fmt.Sprint(d)
		}
	}
	return "[" + strings.Join(dims, ",") + "]"
}
