package console

import "github.com/charmbracelet/lipgloss"

type theme struct {
	header           lipgloss.Style
	headerMeta       lipgloss.Style
	divider          lipgloss.Style
	bootLine         lipgloss.Style
	bootDone         lipgloss.Style
	instructionBox   lipgloss.Style
	instructionTitle lipgloss.Style
	replyBox         lipgloss.Style
	replyTitle       lipgloss.Style
	notice           lipgloss.Style
	errorBox         lipgloss.Style
	errorTitle       lipgloss.Style
	status           lipgloss.Style
	statusBusy       lipgloss.Style
	statusErr        lipgloss.Style
	hint             lipgloss.Style
	inputLabel       lipgloss.Style
	input            lipgloss.Style
	viewport         lipgloss.Style
}

// defaultTheme is a dark terminal palette with amber instructions and
// teal reports.
func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().Foreground(lipgloss.Color("223")),
		divider:    lipgloss.NewStyle().Foreground(lipgloss.Color("31")),
		bootLine:   lipgloss.NewStyle().Foreground(lipgloss.Color("180")),
		bootDone: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		instructionBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1),
		instructionTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("214")).
			Padding(0, 1),
		replyBox: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("44")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
		replyTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("44")).
			Padding(0, 1),
		notice: lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("109")),
		errorBox: lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("203")).
			Foreground(lipgloss.Color("203")).
			Padding(0, 1),
		errorTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Padding(0, 1),
		status:     lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Bold(true),
		statusBusy: lipgloss.NewStyle().Foreground(lipgloss.Color("222")).Bold(true),
		statusErr:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		hint:       lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		inputLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")),
		input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("173")).
			Padding(0, 1),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("31")).
			Padding(0, 1),
	}
}
