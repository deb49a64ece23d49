package report

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
)

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"}
	colorError   = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#6c7086"}
	colorPrimary = lipgloss.AdaptiveColor{Light: "#1e66f5", Dark: "#89b4fa"}
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
)

func hostStatusStyle(s execution.HostStatus) lipgloss.Style {
	switch s {
	case execution.HostStatusDone:
		return successStyle
	case execution.HostStatusPlanned:
		return mutedStyle
	case execution.HostStatusCancelled, execution.HostStatusTimedOut:
		return warningStyle
	case execution.HostStatusFailed:
		return errorStyle
	default:
		return lipgloss.NewStyle()
	}
}

func roleStatusStyle(s execution.RoleStatus) lipgloss.Style {
	switch s {
	case execution.RoleAllDone:
		return successStyle
	case execution.RolePartialFailure:
		return warningStyle
	default:
		return errorStyle
	}
}
