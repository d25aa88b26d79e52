// Package theme holds the palette, text styles and status glyphs used by
// gatewayctl output.
package theme

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"agentgw/internal/domain"
)

// --- Colors ---

var (
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#42a5f5"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ab47bc"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	ColorFgDim   = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
)

// --- Text styles ---

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	TextAccent  = lipgloss.NewStyle().Foreground(ColorAccent)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)

	// EventName labels a streamed push event.
	EventName = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	Timestamp = lipgloss.NewStyle().
			Foreground(ColorFgDim).
			Faint(true)

	Key = lipgloss.NewStyle().
		Foreground(ColorMuted).
		Width(10)
)

// Success renders msg prefixed with the success glyph.
func Success(msg string) string {
	return TextSuccess.Render(SymbolSuccess) + " " + msg
}

// Failure renders msg prefixed with the error glyph.
func Failure(msg string) string {
	return TextError.Render(SymbolError) + " " + msg
}

// Warning renders msg prefixed with the warning glyph.
func Warning(msg string) string {
	return TextWarning.Render(SymbolWarning) + " " + msg
}

// KeyValue renders one aligned "key value" line.
func KeyValue(key string, value any) string {
	return Key.Render(key) + " " + fmt.Sprint(value)
}

// State colors a connection state name.
func State(s domain.ConnState) string {
	switch s {
	case domain.StateConnected:
		return TextSuccess.Render(s.String())
	case domain.StateConnecting, domain.StateHandshakePending:
		return TextWarning.Render(s.String())
	case domain.StateClosed:
		return TextMuted.Render(s.String())
	default:
		return TextError.Render(s.String())
	}
}
