// Package output formats command results for synapctl.
//
// It handles all CLI output formatting:
//
//   - formatter.go: Formatter interface and factory
//   - table.go: table rendering with wide-mode support
//   - json.go: JSON output formatting
//   - yaml.go: YAML output formatting
//
// Formatters support table/json/yaml output and a wide mode for additional
// columns, the same set the teacher's tokmesh-cli output package offers.
package output
