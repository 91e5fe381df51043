package output

import (
	"fmt"
	"strings"
)

// MarkdownFormatter renders settings as a markdown table per section.
type MarkdownFormatter struct{}

// FormatSettings renders settings as Markdown.
func (f *MarkdownFormatter) FormatSettings(settings []Setting) (string, error) {
	var sb strings.Builder

	order, grouped := sections(settings)
	for i, section := range order {
		if i > 0 {
			sb.WriteString("\n")
		}
		title := section
		if title == "" {
			title = "general"
		}
		sb.WriteString(fmt.Sprintf("## %s\n\n", escapeMarkdownCell(title)))
		sb.WriteString("| Key | Value |\n")
		sb.WriteString("|-----|-------|\n")
		for _, s := range grouped[section] {
			sb.WriteString(fmt.Sprintf("| %s | %s |\n",
				escapeMarkdownCell(s.Key),
				escapeMarkdownCell(s.Value),
			))
		}
	}

	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	value = strings.ReplaceAll(value, "\n", " ")
	return value
}
