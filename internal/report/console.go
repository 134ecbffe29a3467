package report

import (
	"github.com/apex/log"
	"github.com/blacktop/otalog/internal/colors"
)

// Console logs diagnostics as they arrive
type Console struct {
	Logger log.Interface
}

// Emit logs d at the apex/log level matching its severity.
// Fatal diagnostics are logged at error level since log.Fatal exits the process.
func (c Console) Emit(d Diagnostic) {
	logger := c.Logger
	if logger == nil {
		logger = log.Log
	}
	entry := logger.WithFields(d.Fields)

	switch d.Severity {
	case SuccessLevel:
		entry.Info(colors.Green().Sprint(d.Message))
	case WarnLevel:
		entry.Warn(colors.Yellow().Sprint(d.Message))
	case ErrorLevel:
		entry.Error(colors.Red().Sprint(d.Message))
	case FatalLevel:
		entry.Error(colors.BoldRed().Sprint(d.Message))
	default:
		entry.Info(d.Message)
	}
}
