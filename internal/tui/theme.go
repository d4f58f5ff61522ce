package tui

import "github.com/charmbracelet/lipgloss"

// palette is the colour set a Theme is built from.
type palette struct {
	accent  lipgloss.Color
	user    lipgloss.Color
	tool    lipgloss.Color
	alert   lipgloss.Color
	dim     lipgloss.Color
	fg      lipgloss.Color
	bgBar   lipgloss.Color
	divider lipgloss.Color
}

var darkPalette = palette{
	accent:  lipgloss.Color("#8B5CF6"),
	user:    lipgloss.Color("#22D3EE"),
	tool:    lipgloss.Color("#FBBF24"),
	alert:   lipgloss.Color("#F97316"),
	dim:     lipgloss.Color("#6B7280"),
	fg:      lipgloss.Color("#E5E7EB"),
	bgBar:   lipgloss.Color("#111827"),
	divider: lipgloss.Color("#374151"),
}

// Theme 聊天界面样式
// Theme holds the styles of the chat screen
type Theme struct {
	// 模式标签 / mode tabs
	ActiveTabStyle   lipgloss.Style
	InactiveTabStyle lipgloss.Style

	// 对话 / transcript
	UserStyle      lipgloss.Style
	AssistantStyle lipgloss.Style
	ToolStyle      lipgloss.Style
	MutedStyle     lipgloss.Style

	// 侧栏、输入、状态栏 / chrome
	TitleStyle     lipgloss.Style
	SidebarStyle   lipgloss.Style
	InputStyle     lipgloss.Style
	StatusBarStyle lipgloss.Style
	ToastStyle     lipgloss.Style
}

// DarkTheme is the default theme.
func DarkTheme() Theme {
	return newTheme(darkPalette)
}

func newTheme(p palette) Theme {
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

	return Theme{
		ActiveTabStyle:   fg(p.fg).Background(p.accent).Padding(0, 1).Bold(true),
		InactiveTabStyle: fg(p.dim).Padding(0, 1),

		UserStyle:      fg(p.user).Bold(true),
		AssistantStyle: fg(p.accent).Bold(true),
		ToolStyle:      fg(p.tool),
		MutedStyle:     fg(p.dim),

		TitleStyle: fg(p.accent).Bold(true),
		SidebarStyle: fg(p.fg).
			BorderLeft(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(p.divider),
		InputStyle: fg(p.fg).
			BorderTop(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(p.divider),
		StatusBarStyle: fg(p.dim).Background(p.bgBar),
		ToastStyle:     fg(lipgloss.Color("#FFFFFF")).Background(p.alert).Padding(0, 1),
	}
}
