package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Format is an output format
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses an output format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("invalid output format %q (expected text, json or yaml)", s)
}

// Structured returns true for machine readable formats
func (f Format) Structured() bool {
	return f == FormatJSON || f == FormatYAML
}

// Write marshals v to w in format f
func Write(w io.Writer, f Format, v any) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode JSON: %v", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode YAML: %v", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q is not a structured format", f)
	}
	return nil
}

const storageThreshold = 1 << 30

// FormatStorageSize renders a byte count in decimal units: MB below 1024^3 bytes, GB above
func FormatStorageSize(bytes uint64) string {
	if bytes < storageThreshold {
		return fmt.Sprintf("%.2f MB", float64(bytes)/1e6)
	}
	return fmt.Sprintf("%.2f GB", float64(bytes)/1e9)
}

// FormatByteCount renders a raw byte count with thousands separators
func FormatByteCount(bytes uint64) string {
	return humanize.Comma(int64(bytes)) + " bytes"
}
