// Package colors holds the terminal styles used by otalog.
//
// Colors are disabled automatically when stdout is not a terminal; the
// --color flag (or the color config key) overrides the detected value.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting.
// A nil forceColor keeps the detected value.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color  { return color.New(color.Bold) }
func Faint() *color.Color { return color.New(color.Faint) }

func Red() *color.Color    { return color.New(color.FgRed) }
func Green() *color.Color  { return color.New(color.FgGreen) }
func Yellow() *color.Color { return color.New(color.FgYellow) }
func Cyan() *color.Color   { return color.New(color.FgCyan) }

func BoldRed() *color.Color { return color.New(color.Bold, color.FgRed) }

// Key styles the name half of a "name: value" line
func Key() *color.Color { return color.New(color.Bold, color.FgHiBlue) }

// Value styles the value half of a "name: value" line
func Value() *color.Color { return color.New(color.FgHiWhite) }

// Field renders a "name: value" pair
func Field(name string, value any) string {
	return Key().Sprint(name+":") + " " + Value().Sprint(value)
}
