package tui

import "github.com/charmbracelet/lipgloss"

type uiTheme struct {
	root        lipgloss.Style
	sidebar     lipgloss.Style
	sidebarSel  lipgloss.Style
	sidebarDim  lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	tabActive   lipgloss.Style
	tabInactive lipgloss.Style
	tabPending  lipgloss.Style
	userTurn    lipgloss.Style
	errorTurn   lipgloss.Style
	inputPanel  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	helpText    lipgloss.Style
	modalFrame  lipgloss.Style
	modalTitle  lipgloss.Style
	pickCursor  lipgloss.Style
	pickChecked lipgloss.Style
	downMark    lipgloss.Style
}

func newTheme() uiTheme {
	amber := lipgloss.Color("#ffb454")
	cyan := lipgloss.Color("#59c2ff")
	green := lipgloss.Color("#aad94c")
	red := lipgloss.Color("#f07178")
	text := lipgloss.Color("#e6e1cf")
	muted := lipgloss.Color("#6c7380")
	panelBg := lipgloss.Color("#131721")

	return uiTheme{
		root: lipgloss.NewStyle().Foreground(text),
		sidebar: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		sidebarSel: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0d1017")).
			Background(amber).
			Bold(true).
			Padding(0, 1),
		sidebarDim: lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(cyan).
			Padding(0, 1),
		panelTitle:  lipgloss.NewStyle().Foreground(green).Bold(true),
		tabActive:   lipgloss.NewStyle().Background(cyan).Foreground(lipgloss.Color("#0d1017")).Bold(true).Padding(0, 1),
		tabInactive: lipgloss.NewStyle().Background(panelBg).Foreground(muted).Padding(0, 1),
		tabPending:  lipgloss.NewStyle().Background(panelBg).Foreground(amber).Padding(0, 1),
		userTurn:    lipgloss.NewStyle().Foreground(green).Bold(true),
		errorTurn:   lipgloss.NewStyle().Foreground(red),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(green).
			Padding(0, 1),
		footer:      lipgloss.NewStyle().Foreground(muted),
		status:      lipgloss.NewStyle().Foreground(cyan).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(red).Bold(true),
		helpText:    lipgloss.NewStyle().Foreground(muted),
		modalFrame: lipgloss.NewStyle().
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(amber).
			Padding(1, 2),
		modalTitle:  lipgloss.NewStyle().Foreground(amber).Bold(true),
		pickCursor:  lipgloss.NewStyle().Foreground(amber).Bold(true),
		pickChecked: lipgloss.NewStyle().Foreground(green),
		downMark:    lipgloss.NewStyle().Foreground(red).Bold(true),
	}
}
