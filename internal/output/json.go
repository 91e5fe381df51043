package output

import "encoding/json"

// JSONFormatter renders settings as a JSON object keyed by dotted path.
type JSONFormatter struct {
	Indent bool
}

// FormatSettings renders settings as JSON.
func (f *JSONFormatter) FormatSettings(settings []Setting) (string, error) {
	order, grouped := sections(settings)
	doc := make(map[string]map[string]string, len(order))
	for _, section := range order {
		values := make(map[string]string, len(grouped[section]))
		for _, s := range grouped[section] {
			values[s.Key] = s.Value
		}
		doc[section] = values
	}

	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = json.Marshal(doc)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
