// Package report collects classified diagnostics and renders them.
package report

import (
	"errors"
	"fmt"

	"github.com/apex/log"
)

// ErrFatal is returned when a fatal diagnostic is recorded
var ErrFatal = errors.New("fatal diagnostic")

// Diagnostic is a single classified finding
type Diagnostic struct {
	Severity Severity   `json:"severity" yaml:"severity"`
	Message  string     `json:"message" yaml:"message"`
	Fields   log.Fields `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Sink receives diagnostics in arrival order
type Sink interface {
	Emit(Diagnostic)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(Diagnostic)

// Emit calls f(d)
func (f SinkFunc) Emit(d Diagnostic) {
	f(d)
}

// Discard drops every diagnostic
var Discard Sink = SinkFunc(func(Diagnostic) {})

// Report is the append-only list of diagnostics of a run
type Report struct {
	sink  Sink
	diags []Diagnostic
}

// New creates a Report forwarding every diagnostic to sink
func New(sink Sink) *Report {
	if sink == nil {
		sink = Discard
	}
	return &Report{sink: sink}
}

// Add records a diagnostic. Recording a fatal diagnostic returns ErrFatal.
func (r *Report) Add(sev Severity, fields log.Fields, format string, args ...any) error {
	d := Diagnostic{
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
		Fields:   fields,
	}
	r.diags = append(r.diags, d)
	r.sink.Emit(d)
	if sev == FatalLevel {
		return ErrFatal
	}
	return nil
}

func (r *Report) Info(format string, args ...any) {
	r.Add(InfoLevel, nil, format, args...)
}

func (r *Report) Success(format string, args ...any) {
	r.Add(SuccessLevel, nil, format, args...)
}

func (r *Report) Warn(format string, args ...any) {
	r.Add(WarnLevel, nil, format, args...)
}

func (r *Report) Error(format string, args ...any) {
	r.Add(ErrorLevel, nil, format, args...)
}

// Fatal records a fatal diagnostic and returns ErrFatal
func (r *Report) Fatal(format string, args ...any) error {
	return r.Add(FatalLevel, nil, format, args...)
}

// Diagnostics returns the recorded diagnostics in arrival order
func (r *Report) Diagnostics() []Diagnostic {
	return r.diags
}

// Count returns the number of diagnostics with the given severity
func (r *Report) Count(sev Severity) int {
	var n int
	for _, d := range r.diags {
		if d.Severity == sev {
			n++
		}
	}
	return n
}

// Failed returns true if a fatal diagnostic was recorded
func (r *Report) Failed() bool {
	return r.Count(FatalLevel) > 0
}

// ExitCode returns the process exit code for the run
func (r *Report) ExitCode() int {
	if r.Failed() {
		return 1
	}
	return 0
}
