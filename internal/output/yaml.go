package output

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter renders settings as YAML in the config file layout,
// preserving the order settings were given in.
type YAMLFormatter struct{}

// FormatSettings renders settings as YAML.
func (f *YAMLFormatter) FormatSettings(settings []Setting) (string, error) {
	order, grouped := sections(settings)

	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, section := range order {
		body := &yaml.Node{Kind: yaml.MappingNode}
		for _, s := range grouped[section] {
			body.Content = append(body.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: s.Key},
				&yaml.Node{Kind: yaml.ScalarNode, Value: s.Value},
			)
		}
		if section == "" {
			root.Content = append(root.Content, body.Content...)
			continue
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: section},
			body,
		)
	}

	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return sb.String(), nil
}
