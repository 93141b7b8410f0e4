package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/shubham/filerescue/internal/device"
	"github.com/shubham/filerescue/internal/session"
	"github.com/shubham/filerescue/internal/sig"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)
)

// screen is the current wizard step.
type screen int

const (
	screenWelcome screen = iota
	screenSelectSource
	screenSelectDevice
	screenEnterPath
	screenSelectMode
	screenSelectTypes
	screenSelectOutput
	screenConfirm
	screenRunning
	screenResults
)

type typeFilter struct {
	Tag     string
	Enabled bool
}

type model struct {
	screen screen
	width  int
	height int
	err    error

	sourceList list.Model

	devices    []device.Device
	deviceList list.Model

	pathInput  textinput.Model
	sourcePath string

	modeList list.Model
	scanType session.ScanType

	typeFilters []typeFilter
	typeCursor  int

	outputInput textinput.Model
	outputPath  string

	spinner  spinner.Model
	progress progress.Model
	sess     *session.Session
	status   session.Status

	results []session.FileResult
}

type sourceItem struct {
	name string
	desc string
}

func (i sourceItem) Title() string       { return i.name }
func (i sourceItem) Description() string { return i.desc }
func (i sourceItem) FilterValue() string { return i.name }

type deviceItem struct {
	device device.Device
}

func (i deviceItem) Title() string       { return fmt.Sprintf("%s - %s", i.device.Path, i.device.Name) }
func (i deviceItem) Description() string { return i.device.Label() }
func (i deviceItem) FilterValue() string { return i.device.Path }

type modeItem struct {
	name string
	desc string
	mode session.ScanType
}

func (i modeItem) Title() string       { return i.name }
func (i modeItem) Description() string { return i.desc }
func (i modeItem) FilterValue() string { return i.name }

// Messages
type devicesLoadedMsg struct {
	devices []device.Device
	err     error
}

type sessionStartedMsg struct {
	sess *session.Session
	err  error
}

type statusTickMsg struct{}

type sessionDoneMsg struct {
	err error
}

func initialModel() model {
	sourceItems := []list.Item{
		sourceItem{name: "Physical Device", desc: "Recover from a connected drive (USB, HDD, SSD)"},
		sourceItem{name: "Disk Image", desc: "Recover from a .img, .dd, or .raw file"},
	}
	sourceList := list.New(sourceItems, list.NewDefaultDelegate(), 0, 0)
	sourceList.Title = "Select Recovery Source"
	sourceList.SetShowStatusBar(false)
	sourceList.SetFilteringEnabled(false)

	modeItems := []list.Item{
		modeItem{name: "Quick Scan", desc: "Walk filesystem metadata; preserves names and paths", mode: session.ScanQuick},
		modeItem{name: "Deep Scan", desc: "Carve raw bytes by signature; works without a filesystem", mode: session.ScanDeep},
	}
	modeList := list.New(modeItems, list.NewDefaultDelegate(), 0, 0)
	modeList.Title = "Select Scan Type"
	modeList.SetShowStatusBar(false)
	modeList.SetFilteringEnabled(false)

	pathInput := textinput.New()
	pathInput.Placeholder = "/path/to/disk.img"
	pathInput.Focus()
	pathInput.Width = 50

	outputInput := textinput.New()
	outputInput.Placeholder = "./recovered"
	outputInput.SetValue("./recovered")
	outputInput.Width = 50

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	var filters []typeFilter
	for _, tag := range sig.New().Tags() {
		filters = append(filters, typeFilter{Tag: tag, Enabled: true})
	}

	return model{
		screen:      screenWelcome,
		sourceList:  sourceList,
		modeList:    modeList,
		pathInput:   pathInput,
		outputInput: outputInput,
		spinner:     s,
		progress:    progress.New(progress.WithDefaultGradient()),
		typeFilters: filters,
		outputPath:  "./recovered",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.screen == screenRunning {
				// q cancels instead of quitting mid-scan.
				if m.sess != nil {
					m.sess.Cancel()
				}
				return m, nil
			}
			return m, tea.Quit
		case "esc":
			if m.screen > screenWelcome && m.screen != screenRunning {
				m.screen--
				return m, nil
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sourceList.SetSize(msg.Width-4, msg.Height-10)
		m.modeList.SetSize(msg.Width-4, msg.Height-10)
		if m.deviceList.Items() != nil {
			m.deviceList.SetSize(msg.Width-4, msg.Height-10)
		}
		m.progress.Width = msg.Width - 8
		return m, nil

	case devicesLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.devices = msg.devices
		items := make([]list.Item, len(msg.devices))
		for i, d := range msg.devices {
			items[i] = deviceItem{device: d}
		}
		m.deviceList = list.New(items, list.NewDefaultDelegate(), m.width-4, m.height-10)
		m.deviceList.Title = "Select Device"
		m.deviceList.SetShowStatusBar(false)
		m.deviceList.SetFilteringEnabled(true)
		m.screen = screenSelectDevice
		return m, nil

	case sessionStartedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.screen = screenResults
			return m, nil
		}
		m.sess = msg.sess
		return m, tea.Batch(m.tickStatus(), m.waitDone())

	case statusTickMsg:
		if m.sess != nil {
			m.status = m.sess.Status()
		}
		if m.screen == screenRunning {
			return m, m.tickStatus()
		}
		return m, nil

	case sessionDoneMsg:
		m.screen = screenResults
		m.err = msg.err
		if m.sess != nil {
			m.status = m.sess.Status()
			m.results, _ = m.sess.Result()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	switch m.screen {
	case screenWelcome:
		return m.updateWelcome(msg)
	case screenSelectSource:
		return m.updateSelectSource(msg)
	case screenSelectDevice:
		return m.updateSelectDevice(msg)
	case screenEnterPath:
		return m.updateEnterPath(msg)
	case screenSelectMode:
		return m.updateSelectMode(msg)
	case screenSelectTypes:
		return m.updateSelectTypes(msg)
	case screenSelectOutput:
		return m.updateSelectOutput(msg)
	case screenConfirm:
		return m.updateConfirm(msg)
	case screenResults:
		return m.updateResults(msg)
	}

	return m, nil
}

func (m model) updateWelcome(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		m.screen = screenSelectSource
	}
	return m, nil
}

func (m model) updateSelectSource(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		selected := m.sourceList.SelectedItem()
		if selected != nil {
			if strings.Contains(selected.(sourceItem).name, "Device") {
				return m, m.loadDevices()
			}
			m.screen = screenEnterPath
			m.pathInput.Focus()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.sourceList, cmd = m.sourceList.Update(msg)
	return m, cmd
}

func (m model) updateSelectDevice(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		selected := m.deviceList.SelectedItem()
		if selected != nil {
			m.sourcePath = selected.(deviceItem).device.Path
			m.screen = screenSelectMode
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.deviceList, cmd = m.deviceList.Update(msg)
	return m, cmd
}

func (m model) updateEnterPath(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		if path := expandHome(m.pathInput.Value()); path != "" {
			m.sourcePath = path
			m.screen = screenSelectMode
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.pathInput, cmd = m.pathInput.Update(msg)
	return m, cmd
}

func (m model) updateSelectMode(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		selected := m.modeList.SelectedItem()
		if selected != nil {
			m.scanType = selected.(modeItem).mode
			if m.scanType == session.ScanDeep {
				m.screen = screenSelectTypes
			} else {
				m.screen = screenSelectOutput
			}
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.modeList, cmd = m.modeList.Update(msg)
	return m, cmd
}

func (m model) updateSelectTypes(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "up", "k":
			if m.typeCursor > 0 {
				m.typeCursor--
			}
		case "down", "j":
			if m.typeCursor < len(m.typeFilters)-1 {
				m.typeCursor++
			}
		case " ":
			m.typeFilters[m.typeCursor].Enabled = !m.typeFilters[m.typeCursor].Enabled
		case "a":
			for i := range m.typeFilters {
				m.typeFilters[i].Enabled = true
			}
		case "enter":
			m.screen = screenSelectOutput
		}
	}
	return m, nil
}

func (m model) updateSelectOutput(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		if path := expandHome(m.outputInput.Value()); path != "" {
			m.outputPath = path
			m.screen = screenConfirm
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.outputInput, cmd = m.outputInput.Update(msg)
	return m, cmd
}

func (m model) updateConfirm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "y", "Y", "enter":
			m.screen = screenRunning
			return m, tea.Batch(m.spinner.Tick, m.startSession())
		case "n", "N":
			m.screen = screenSelectSource
		}
	}
	return m, nil
}

func (m model) updateResults(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter", "q":
			return m, tea.Quit
		case "r":
			return initialModel(), nil
		}
	}
	return m, nil
}

func (m model) loadDevices() tea.Cmd {
	return func() tea.Msg {
		devices, err := device.List()
		return devicesLoadedMsg{devices: devices, err: err}
	}
}

// selectedTypes returns the filter for the session config, nil when
// every type is enabled.
func (m model) selectedTypes() []string {
	var enabled []string
	for _, f := range m.typeFilters {
		if f.Enabled {
			enabled = append(enabled, f.Tag)
		}
	}
	if len(enabled) == len(m.typeFilters) {
		return nil
	}
	return enabled
}

func (m model) startSession() tea.Cmd {
	cfg := session.Config{
		Source:   m.sourcePath,
		ScanType: m.scanType,
		Types:    m.selectedTypes(),
		Dest:     m.outputPath,
	}
	return func() tea.Msg {
		sess := session.New(cfg, nil)
		if err := sess.Start(context.Background()); err != nil {
			return sessionStartedMsg{err: err}
		}
		return sessionStartedMsg{sess: sess}
	}
}

func (m model) tickStatus() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(time.Time) tea.Msg {
		return statusTickMsg{}
	})
}

func (m model) waitDone() tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		return sessionDoneMsg{err: sess.Wait()}
	}
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" File Rescue "))
	s.WriteString("\n\n")

	switch m.screen {
	case screenWelcome:
		s.WriteString(m.viewWelcome())
	case screenSelectSource:
		s.WriteString(m.sourceList.View())
	case screenSelectDevice:
		s.WriteString(m.deviceList.View())
	case screenEnterPath:
		s.WriteString(m.viewEnterPath())
	case screenSelectMode:
		s.WriteString(m.modeList.View())
	case screenSelectTypes:
		s.WriteString(m.viewSelectTypes())
	case screenSelectOutput:
		s.WriteString(m.viewSelectOutput())
	case screenConfirm:
		s.WriteString(m.viewConfirm())
	case screenRunning:
		s.WriteString(m.viewRunning())
	case screenResults:
		s.WriteString(m.viewResults())
	}

	if m.err != nil && m.screen != screenResults {
		s.WriteString("\n\n")
		s.WriteString(errorStyle.Render("Error: " + m.err.Error()))
	}

	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render("Press q to quit • esc to go back"))

	return s.String()
}

func (m model) viewWelcome() string {
	var s strings.Builder
	s.WriteString(subtitleStyle.Render("Welcome to File Rescue"))
	s.WriteString("\n\n")
	s.WriteString("This tool recovers deleted files from:\n")
	s.WriteString("  • FAT32 and exFAT drives (USB drives, SD cards)\n")
	s.WriteString("  • NTFS drives (Windows hard drives)\n")
	s.WriteString("  • Disk images (.img, .dd, .raw files)\n\n")
	s.WriteString(lipgloss.NewStyle().Bold(true).Render("Important:"))
	s.WriteString(" The source is opened READ-ONLY and never modified.\n")
	s.WriteString("Recovered files must go to a different disk than the source.\n\n")
	s.WriteString(selectedStyle.Render("Press Enter to continue..."))
	return s.String()
}

func (m model) viewEnterPath() string {
	var s strings.Builder
	s.WriteString(subtitleStyle.Render("Enter Disk Image Path"))
	s.WriteString("\n\n")
	s.WriteString(m.pathInput.View())
	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render("Press Enter to continue"))
	return s.String()
}

func (m model) viewSelectTypes() string {
	var s strings.Builder
	s.WriteString(subtitleStyle.Render("Select File Types to Recover"))
	s.WriteString("\n\n")

	for i, f := range m.typeFilters {
		cursor := "  "
		if i == m.typeCursor {
			cursor = "> "
		}
		checkbox := "[ ]"
		if f.Enabled {
			checkbox = "[x]"
		}
		line := fmt.Sprintf("%s%s %s", cursor, checkbox, f.Tag)
		if i == m.typeCursor {
			s.WriteString(selectedStyle.Render(line))
		} else {
			s.WriteString(line)
		}
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("↑/↓ to move • Space to toggle • a for all • Enter to continue"))
	return s.String()
}

func (m model) viewSelectOutput() string {
	var s strings.Builder
	s.WriteString(subtitleStyle.Render("Select Output Directory"))
	s.WriteString("\n\n")
	s.WriteString("Where should recovered files be saved?\n\n")
	s.WriteString(m.outputInput.View())
	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render("Press Enter to continue"))
	return s.String()
}

func (m model) viewConfirm() string {
	var s strings.Builder
	s.WriteString(subtitleStyle.Render("Confirm Recovery Settings"))
	s.WriteString("\n\n")
	s.WriteString(fmt.Sprintf("  Source:  %s\n", m.sourcePath))
	s.WriteString(fmt.Sprintf("  Scan:    %s\n", m.scanType))
	s.WriteString(fmt.Sprintf("  Output:  %s\n", m.outputPath))
	if types := m.selectedTypes(); types != nil {
		s.WriteString(fmt.Sprintf("  Types:   %s\n", strings.Join(types, ", ")))
	}
	s.WriteString("\n")
	s.WriteString("The source will be opened in READ-ONLY mode.\n\n")
	s.WriteString(selectedStyle.Render("Press Y to start, N to go back"))
	return s.String()
}

func (m model) viewRunning() string {
	var s strings.Builder
	st := m.status

	s.WriteString(m.spinner.View())
	s.WriteString(fmt.Sprintf(" %s %s\n\n", st.State, m.sourcePath))

	if st.DeviceSize > 0 {
		pct := float64(st.BytesScanned) / float64(st.DeviceSize)
		s.WriteString(m.progress.ViewAs(pct))
		s.WriteString("\n\n")
	}

	s.WriteString(fmt.Sprintf("  Scanned:    %s of %s\n",
		device.HumanSize(st.BytesScanned), device.HumanSize(st.DeviceSize)))
	s.WriteString(fmt.Sprintf("  Candidates: %d\n", st.CandidatesFound))
	s.WriteString(fmt.Sprintf("  Written:    %d\n", st.FilesWritten))
	if st.FilesFailed > 0 {
		s.WriteString(fmt.Sprintf("  Failed:     %d\n", st.FilesFailed))
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("Press q to cancel"))
	return s.String()
}

func (m model) viewResults() string {
	var s strings.Builder
	st := m.status

	switch {
	case m.err != nil:
		s.WriteString(errorStyle.Render("Recovery Failed"))
		s.WriteString("\n\n")
		s.WriteString(fmt.Sprintf("Error: %v\n", m.err))
	case st.State == session.StateCancelled:
		s.WriteString(subtitleStyle.Render("Recovery Cancelled"))
		s.WriteString("\n\n")
		s.WriteString(fmt.Sprintf("%d files recovered before stopping.\n", st.FilesWritten))
	default:
		s.WriteString(successStyle.Render("Recovery Complete"))
		s.WriteString("\n\n")
		s.WriteString(fmt.Sprintf("%d files recovered, %d failed, %d skipped.\n",
			st.FilesWritten, st.FilesFailed, st.FilesSkipped))
		s.WriteString(fmt.Sprintf("Saved to %s\n", m.outputPath))
	}

	shown := 0
	for _, fr := range m.results {
		if fr.Status == "skipped" {
			continue
		}
		if shown == 15 {
			s.WriteString(fmt.Sprintf("  ... and %d more\n", len(m.results)-shown))
			break
		}
		shown++
		s.WriteString(fmt.Sprintf("  %-9s %-6s %s\n", fr.Status, fr.Tag, fr.Name))
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("Press R to run again • Q to quit"))
	return s.String()
}

func main() {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
