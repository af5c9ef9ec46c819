// Package tui provides the terminal chain monitor for quizpilot.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/quizpilot/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().Foreground(mutedColor)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			MarginTop(1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

const refreshInterval = 2 * time.Second

type mode int

const (
	modeList mode = iota
	modeDetail
	modeWorkers
)

var filters = []string{"", "pending", "executed", "done", "failed"}
var filterNames = []string{"ALL", "PENDING", "RUNNING", "DONE", "FAILED"}

// App is the main TUI application model.
type App struct {
	client       *Client
	chains       []models.Chain
	selectedIdx  int
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         mode
	current      *models.Chain
	workers      *WorkersStats
	message      string
	filterIdx    int
	email        string
	loading      bool
	daemonOnline bool
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "email <addr> | state <state> | clear | quit"
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:   NewClient(apiAddr),
		input:    ti,
		viewport: viewport.New(80, 20),
		mode:     modeList,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.fetchChains(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.input.Focused() {
			return a.updateInput(msg)
		}
		return a.updateKeys(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-8)
		a.renderDetail()

	case chainsLoadedMsg:
		a.loading = false
		a.daemonOnline = true
		a.chains = msg.chains
		if a.selectedIdx >= len(a.chains) {
			a.selectedIdx = max(0, len(a.chains)-1)
		}

	case chainLoadedMsg:
		a.current = msg.chain
		a.renderDetail()

	case workersLoadedMsg:
		a.workers = msg.stats

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case errMsg:
		a.loading = false
		a.daemonOnline = false
		a.message = "Error: " + msg.err.Error()
	}
	return a, nil
}

func (a *App) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return a, tea.Quit

	case ":", "/":
		a.input.SetValue("")
		return a, a.input.Focus()

	case "esc":
		if a.mode != modeList {
			a.mode = modeList
			a.current = nil
			return a, a.fetchChains()
		}

	case "up", "k":
		if a.mode == modeList && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		if a.mode == modeDetail {
			a.viewport.LineUp(1)
		}

	case "down", "j":
		if a.mode == modeList && a.selectedIdx < len(a.chains)-1 {
			a.selectedIdx++
		}
		if a.mode == modeDetail {
			a.viewport.LineDown(1)
		}

	case "tab":
		if a.mode == modeList {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			return a, a.fetchChains()
		}

	case "enter":
		if a.mode == modeList && len(a.chains) > 0 {
			a.mode = modeDetail
			a.viewport.GotoTop()
			return a, a.fetchChain(a.chains[a.selectedIdx].ID)
		}

	case "w":
		a.mode = modeWorkers
		return a, a.fetchWorkers()

	case "r":
		return a, a.refresh()
	}
	return a, nil
}

func (a *App) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.input.Blur()
		return a, nil
	case "enter":
		line := strings.TrimSpace(a.input.Value())
		a.input.SetValue("")
		a.input.Blur()
		return a, a.executeCommand(line)
	}
	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) executeCommand(line string) tea.Cmd {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	args := parts[1:]

	switch parts[0] {
	case "email":
		if len(args) != 1 {
			a.message = "Usage: email <addr>"
			return nil
		}
		a.email = args[0]
	case "state":
		if len(args) != 1 {
			a.message = "Usage: state <state>"
			return nil
		}
		idx := indexOf(filters, args[0])
		if idx < 0 {
			a.message = fmt.Sprintf("Unknown state %q (try: %s)", args[0], strings.Join(filters[1:], ", "))
			return nil
		}
		a.filterIdx = idx
	case "clear":
		a.email = ""
		a.filterIdx = 0
	case "q", "quit", "exit":
		return tea.Quit
	default:
		a.message = fmt.Sprintf("Unknown: %s (try: email, state, clear, quit)", parts[0])
		return nil
	}
	a.message = ""
	a.mode = modeList
	return a.fetchChains()
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("quizpilot") + "  " + daemonStatus
	if a.email != "" {
		header += "  " + labelStyle.Render("email: "+a.email)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := max(5, a.height-8)

	switch a.mode {
	case modeList:
		b.WriteString(labelStyle.Render(fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])) + "\n")
		b.WriteString(a.renderChainList(contentHeight - 1))
	case modeDetail:
		b.WriteString(a.viewport.View())
	case modeWorkers:
		b.WriteString(a.renderWorkersPanel())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") || strings.HasPrefix(a.message, "Unknown") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	}
	b.WriteString("\n")

	if a.input.Focused() {
		b.WriteString(inputBoxStyle.Render(a.input.View()) + "\n")
	}

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Chains: %d | ↑↓:nav | Enter:open | Tab:filter | w:workers | ::command | q:quit", len(a.chains))
	case modeDetail:
		status = " ↑↓:scroll | Esc:back | r:refresh"
	case modeWorkers:
		status = " Esc:back | r:refresh"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderChainList(height int) string {
	if a.loading && len(a.chains) == 0 {
		return "\n  Loading chains...\n"
	}
	if len(a.chains) == 0 {
		return "\n  No chains yet. POST a task to /receive_request to start one.\n"
	}

	var lines []string
	for i, c := range a.chains {
		text := fmt.Sprintf("%s  %-8s  %-24s  %d  %s", formatState(c.State), shortID(c.ID), truncate(c.Email, 24), c.Attempts, truncate(c.URL, 50))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
		} else {
			lines = append(lines, rowStyle.Render("  "+text))
		}
	}

	if len(lines) > height {
		start := max(0, a.selectedIdx-height/2)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

// renderDetail refreshes the viewport content for the open chain.
func (a *App) renderDetail() {
	if a.current == nil {
		a.viewport.SetContent("\n  Loading...\n")
		return
	}
	c := a.current

	var b strings.Builder
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(label+":"), value)
		}
	}

	b.WriteString("\n")
	field("Chain", c.ID)
	field("State", formatState(c.State))
	field("Failure", string(c.Failure))
	field("Error", c.Error)
	field("Email", c.Email)
	field("URL", c.URL)
	field("Worker", c.WorkerID)
	field("Attempts", fmt.Sprintf("%d", c.Attempts))
	field("Updated", c.UpdatedAt.Local().Format(time.DateTime))

	for _, att := range c.History {
		b.WriteString(sectionStyle.Render(fmt.Sprintf("Attempt %d  %s", att.Seq, att.URL)) + "\n")
		field("State", string(att.State))
		field("Failure", string(att.Failure))
		field("Error", att.Error)
		if !att.EndedAt.IsZero() {
			field("Took", att.EndedAt.Sub(att.StartedAt).Round(time.Millisecond).String())
		}
		if out := att.Outcome; out != nil {
			field("Outcome", fmt.Sprintf("%s (exit %d)", out.Kind, out.ExitCode))
			if out.Correct != nil {
				field("Correct", fmt.Sprintf("%t", *out.Correct))
			}
			field("Reason", out.Reason)
			field("Follow-up", out.FollowUp)
			field("Stdout", truncate(out.Stdout, 200))
			field("Stderr", truncate(out.Stderr, 200))
		}
		if att.Program != "" {
			b.WriteString(labelStyle.Render("  Program:") + "\n")
			for _, line := range strings.Split(att.Program, "\n") {
				b.WriteString("    " + line + "\n")
			}
		}
	}
	a.viewport.SetContent(b.String())
}

func (a *App) renderWorkersPanel() string {
	var b strings.Builder

	b.WriteString("\n  Worker Pool\n")
	b.WriteString("  " + strings.Repeat("─", 50) + "\n\n")

	if a.workers == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}
	stats := a.workers

	activeStyle := lipgloss.NewStyle().Foreground(successColor).Bold(true)
	fmt.Fprintf(&b, "  Active: %s / %d   Queued: %d / %d   Completed: %d\n\n",
		activeStyle.Render(fmt.Sprintf("%d", stats.ActiveWorkers)), stats.GlobalMax,
		stats.Queued, stats.QueueSize, stats.Completed)

	if len(stats.Chains) > 0 {
		states := make([]string, 0, len(stats.Chains))
		for s := range stats.Chains {
			states = append(states, s)
		}
		sort.Strings(states)
		b.WriteString("  Chains by state:\n")
		for _, s := range states {
			fmt.Fprintf(&b, "    %s %d\n", formatState(models.ChainState(s)), stats.Chains[s])
		}
		b.WriteString("\n")
	}

	if len(stats.Workers) == 0 {
		b.WriteString("  " + labelStyle.Render("No active workers") + "\n")
		return b.String()
	}
	ids := make([]string, 0, len(stats.Workers))
	for id := range stats.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "  %-8s  %s\n", shortID(id), stats.Workers[id])
	}
	return b.String()
}

func formatState(s models.ChainState) string {
	switch s {
	case models.StatePending:
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING ")
	case models.StateDone:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE    ")
	case models.StateFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED  ")
	default:
		return lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("◑ %-8s", strings.ToUpper(string(s))))
	}
}

func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modeDetail:
		if a.current != nil {
			return a.fetchChain(a.current.ID)
		}
		return nil
	case modeWorkers:
		return a.fetchWorkers()
	default:
		return a.fetchChains()
	}
}

func (a *App) fetchChains() tea.Cmd {
	a.loading = true
	state, email := filters[a.filterIdx], a.email
	return func() tea.Msg {
		chains, err := a.client.ListChains(state, email)
		if err != nil {
			return errMsg{err}
		}
		return chainsLoadedMsg{chains}
	}
}

func (a *App) fetchChain(id string) tea.Cmd {
	return func() tea.Msg {
		chain, err := a.client.GetChain(id)
		if err != nil {
			return errMsg{err}
		}
		return chainLoadedMsg{chain}
	}
}

func (a *App) fetchWorkers() tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.GetWorkers()
		if err != nil {
			return errMsg{err}
		}
		return workersLoadedMsg{stats}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

type errMsg struct {
	err error
}

type chainsLoadedMsg struct {
	chains []models.Chain
}

type chainLoadedMsg struct {
	chain *models.Chain
}

type workersLoadedMsg struct {
	stats *WorkersStats
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
