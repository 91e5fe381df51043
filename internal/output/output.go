package output

import (
	"fmt"
	"strings"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// Setting is one resolved configuration value. Section groups settings in
// nested renderings; Secret values must already be masked by the caller.
type Setting struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// Path returns the dotted key, e.g. "proxy.secret".
func (s Setting) Path() string {
	if s.Section == "" {
		return s.Key
	}
	return s.Section + "." + s.Key
}

// Formatter renders resolved settings.
type Formatter interface {
	FormatSettings(settings []Setting) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatYAML:
		return &YAMLFormatter{}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// MaskSecret hides a sensitive value while showing whether it is set.
func MaskSecret(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return "(set)"
}

// sections returns section names in first-seen order with their settings.
func sections(settings []Setting) ([]string, map[string][]Setting) {
	var order []string
	grouped := make(map[string][]Setting)
	for _, s := range settings {
		if _, ok := grouped[s.Section]; !ok {
			order = append(order, s.Section)
		}
		grouped[s.Section] = append(grouped[s.Section], s)
	}
	return order, grouped
}
