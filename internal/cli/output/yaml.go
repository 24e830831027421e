package output

import (
	"io"

	"go.yaml.in/yaml/v3"
)

// YAMLFormatter renders data as YAML. The teacher's equivalent formatter
// left this as an unimplemented stub; go.yaml.in/yaml/v3 is already in the
// dependency graph (pulled in transitively by koanf's config loader), so
// it is promoted here to a direct, load-bearing use instead of adding a
// second YAML library.
type YAMLFormatter struct{}

// Format writes data as YAML.
func (f *YAMLFormatter) Format(w io.Writer, data any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(data)
}
