package report

import (
	"fmt"
	"strings"
)

// Severity is the classification of a Diagnostic
type Severity int

// The zero Severity is unset
const (
	InfoLevel Severity = iota + 1
	SuccessLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var severityNames = map[Severity]string{
	InfoLevel:    "info",
	SuccessLevel: "success",
	WarnLevel:    "warning",
	ErrorLevel:   "error",
	FatalLevel:   "fatal",
}

var severityStrings = map[string]Severity{
	"info":    InfoLevel,
	"success": SuccessLevel,
	"warn":    WarnLevel,
	"warning": WarnLevel,
	"error":   ErrorLevel,
	"fatal":   FatalLevel,
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity parses a severity name
func ParseSeverity(s string) (Severity, error) {
	sev, ok := severityStrings[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid severity %q (expected one of info, success, warning, error, fatal)", s)
	}
	return sev, nil
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	sev, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}
