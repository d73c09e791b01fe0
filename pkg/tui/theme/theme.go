// Package theme provides the Lip Gloss color palette and reusable styles
// for bledctl. It is a leaf package with no internal imports to avoid
// import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Session state colors.
var (
	ColorIdle     = lipgloss.Color("#4b5563")
	ColorActive   = lipgloss.Color("#22c55e")
	ColorEvicting = lipgloss.Color("#d97706")
)

// Packet direction colors.
var (
	ColorTX = lipgloss.Color("#3b82f6")
	ColorRX = lipgloss.Color("#22c55e")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	StyleDimmed = lipgloss.NewStyle().Foreground(ColorDimmed)
	StyleHeader = lipgloss.NewStyle().Foreground(ColorBright).Bold(true)
)

// StateColor maps a Session Manager state string ("idle", "active",
// "evicting") to its display color.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "active":
		return ColorActive
	case "evicting":
		return ColorEvicting
	default:
		return ColorIdle
	}
}

// DirectionColor maps a packet direction ("TX", "RX") to its display color.
func DirectionColor(direction string) lipgloss.Color {
	if direction == "TX" {
		return ColorTX
	}
	return ColorRX
}
