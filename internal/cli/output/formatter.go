package output

import "io"

// Format is a recognized synapctl output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Formatter renders a result value to a writer.
type Formatter interface {
	Format(w io.Writer, data any) error
}

// NewFormatter returns the Formatter for the requested format, defaulting
// to table output for anything unrecognized.
func NewFormatter(format Format, wide bool) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{}
	case FormatYAML:
		return &YAMLFormatter{}
	default:
		return &TableFormatter{Wide: wide}
	}
}
