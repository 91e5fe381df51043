package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// TableFormatter renders settings as an ASCII table.
type TableFormatter struct{}

// FormatSettings renders settings as a table.
func (f *TableFormatter) FormatSettings(settings []Setting) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Setting", "Value"})

	order, grouped := sections(settings)
	for i, section := range order {
		if i > 0 {
			t.AppendSeparator()
		}
		for _, s := range grouped[section] {
			t.AppendRow(table.Row{s.Path(), s.Value})
		}
	}

	t.AppendFooter(table.Row{"Total", fmt.Sprintf("%d settings", len(settings))})

	return t.Render(), nil
}
