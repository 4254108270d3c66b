// Package tui provides the interactive reviewer console for Sentinel.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sentinel-ew/sentinel/internal/controlplane"
	"github.com/sentinel-ew/sentinel/internal/models"
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

	queueItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// App is the reviewer console model.
type App struct {
	client       *Client
	queue        []models.Approval
	selectedIdx  int
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         string // "queue", "detail", "dashboard"
	currentCase  *controlplane.CaseDetail
	dashboard    *controlplane.Dashboard
	message      string
	loading      bool
	daemonOnline bool

	// In-flight reviewer decision. promptStage walks reviewer -> notes.
	pendingStatus models.ApprovalStatus
	promptStage   string
	reviewer      string
}

// New creates a new reviewer console.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.CharLimit = 256
	ti.Width = 80

	vp := viewport.New(80, 20)

	return &App{
		client:   NewClient(apiAddr),
		input:    ti,
		viewport: vp,
		mode:     "queue",
	}
}

// Run starts the reviewer console.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchQueue(),
		a.checkDaemon(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.promptStage != "" {
			return a.updatePrompt(msg)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit

		case "esc":
			if a.mode == "detail" || a.mode == "dashboard" {
				a.mode = "queue"
				a.currentCase = nil
				return a, a.fetchQueue()
			}

		case "up", "k":
			if a.mode == "queue" && a.selectedIdx > 0 {
				a.selectedIdx--
			}

		case "down", "j":
			if a.mode == "queue" && a.selectedIdx < len(a.queue)-1 {
				a.selectedIdx++
			}

		case "tab", "d":
			a.mode = "dashboard"
			return a, a.fetchDashboard()

		case "enter":
			if a.mode == "queue" && len(a.queue) > 0 {
				ap := a.queue[a.selectedIdx]
				a.mode = "detail"
				return a, a.fetchCase(ap.CaseID, ap.RunID)
			}

		case "r":
			switch a.mode {
			case "queue":
				return a, a.fetchQueue()
			case "dashboard":
				return a, a.fetchDashboard()
			case "detail":
				if len(a.queue) > 0 {
					ap := a.queue[a.selectedIdx]
					return a, a.fetchCase(ap.CaseID, ap.RunID)
				}
			}

		case "s":
			if a.mode == "queue" || a.mode == "dashboard" {
				return a, a.startRun()
			}

		case "a":
			return a, a.beginDecision(models.ApprovalStatusApproved)
		case "x":
			return a, a.beginDecision(models.ApprovalStatusRejected)
		case "e":
			return a, a.beginDecision(models.ApprovalStatusMoreEvidence)
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = msg.Height - 10

	case queueLoadedMsg:
		a.loading = false
		a.queue = msg.queue
		if a.selectedIdx >= len(a.queue) {
			a.selectedIdx = max(0, len(a.queue)-1)
		}

	case caseLoadedMsg:
		a.currentCase = msg.detail

	case dashboardLoadedMsg:
		a.dashboard = msg.dashboard

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case decisionResultMsg:
		a.message = msg.message
		a.mode = "queue"
		a.currentCase = nil
		return a, a.fetchQueue()

	case runStartedMsg:
		a.message = fmt.Sprintf("Run %s started over %d cases", msg.run.ID[:8], msg.run.Requested)
		return a, a.fetchQueue()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	if a.promptStage != "" {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return a, tea.Batch(cmds...)
}

// beginDecision arms a reviewer decision for the selected approval and
// opens the reviewer prompt, or the notes prompt when the reviewer name
// is already known from an earlier decision.
func (a *App) beginDecision(status models.ApprovalStatus) tea.Cmd {
	if len(a.queue) == 0 {
		a.message = "No pending approvals"
		return nil
	}
	a.pendingStatus = status
	if a.reviewer == "" {
		a.promptStage = "reviewer"
		a.input.Placeholder = "Reviewer name"
	} else {
		a.promptStage = "notes"
		a.input.Placeholder = "Notes (optional, Enter to submit)"
	}
	a.input.SetValue("")
	a.input.Focus()
	return textinput.Blink
}

func (a *App) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "esc":
		a.promptStage = ""
		a.pendingStatus = ""
		a.input.SetValue("")
		a.input.Blur()
		return a, nil

	case "enter":
		value := strings.TrimSpace(a.input.Value())
		a.input.SetValue("")

		if a.promptStage == "reviewer" {
			if value == "" {
				a.message = "Reviewer name is required"
				return a, nil
			}
			a.reviewer = value
			a.promptStage = "notes"
			a.input.Placeholder = "Notes (optional, Enter to submit)"
			return a, nil
		}

		// notes stage: submit.
		status := a.pendingStatus
		notes := value
		a.promptStage = ""
		a.pendingStatus = ""
		a.input.Blur()
		return a, a.submitDecision(status, notes)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}

	header := titleStyle.Render("SENTINEL Review Console")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d pending]", len(a.queue)))
	if a.reviewer != "" {
		header += "  " + lipgloss.NewStyle().Foreground(successColor).Render("● "+a.reviewer)
	}

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case "queue":
		b.WriteString(a.renderQueue(contentHeight))
	case "detail":
		b.WriteString(a.renderCaseDetail(contentHeight))
	case "dashboard":
		b.WriteString(a.renderDashboard(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	if a.promptStage != "" {
		label := "Reviewer"
		if a.promptStage == "notes" {
			label = fmt.Sprintf("Notes for %s", a.pendingStatus)
		}
		b.WriteString("\n" + helpStyle.Render(" "+label) + "\n")
		b.WriteString(inputBoxStyle.Render(a.input.View()))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case "queue":
		status = fmt.Sprintf(" Pending: %d | ↑↓:nav | Enter:detail | a:approve x:reject e:evidence | s:run | d:dashboard | r:refresh | q:quit", len(a.queue))
	case "detail":
		status = " a:approve | x:reject | e:request evidence | r:refresh | Esc:back"
	case "dashboard":
		status = " s:start run | r:refresh | Esc:back"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderQueue(height int) string {
	if a.loading {
		return "\n  Loading approvals...\n"
	}
	if len(a.queue) == 0 {
		return "\n  No pending approvals. Press s to start a run, r to refresh.\n"
	}

	var lines []string
	for i, ap := range a.queue {
		label := fmt.Sprintf("%s  case %s  cycle %d", ap.ID[:8], ap.CaseID, ap.Cycle)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+label))
		} else {
			lines = append(lines, queueItemStyle.Render("  "+label))
		}
	}

	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

func (a *App) renderCaseDetail(height int) string {
	if a.currentCase == nil {
		return "\n  Loading...\n"
	}

	var b strings.Builder
	d := a.currentCase

	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("Case %s", d.Case.ID))))
	b.WriteString(fmt.Sprintf("  Location: %s, %s\n", d.Normalized.City, d.Normalized.Country))
	if d.Normalized.PathogenLabel != "" {
		b.WriteString(fmt.Sprintf("  Pathogen: %s\n", d.Normalized.PathogenLabel))
	}
	b.WriteString(fmt.Sprintf("  Credibility: %.3f  Genomic pressure: %.3f  Geo pressure: %.3f\n",
		d.Normalized.CredibilityScore, d.Normalized.GenomicPressure, d.Normalized.GeoPressure))

	if len(d.Decisions) > 0 {
		latest := d.Decisions[len(d.Decisions)-1]
		b.WriteString("\n  Latest decision:\n")
		b.WriteString(fmt.Sprintf("    Severity: %s  Confidence: %.2f  Cycle: %d\n",
			a.formatSeverity(latest.Severity), latest.Confidence, latest.Cycle))
		b.WriteString(fmt.Sprintf("    Suggestion: %s\n", latest.Suggestion))
	}

	if len(d.Agents) > 0 {
		b.WriteString("\n  Agent outputs:\n")
		for _, out := range d.Agents {
			rationale := out.Rationale
			if len(rationale) > 70 {
				rationale = rationale[:67] + "..."
			}
			b.WriteString(fmt.Sprintf("    • %-10s %s conf=%.2f  %s\n",
				out.AgentName, a.formatSeverity(out.Score), out.Confidence, rationale))
		}
	}

	if len(d.Approvals) > 0 {
		b.WriteString("\n  Review history:\n")
		for _, ap := range d.Approvals {
			line := fmt.Sprintf("    • cycle %d: %s", ap.Cycle, ap.Status)
			if ap.Reviewer != "" {
				line += " by " + ap.Reviewer
			}
			b.WriteString(line + "\n")
		}
	}

	return b.String()
}

func (a *App) renderDashboard(height int) string {
	var b strings.Builder

	b.WriteString("\n  System Dashboard\n")
	b.WriteString("  " + strings.Repeat("─", 50) + "\n\n")

	if a.dashboard == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}

	d := a.dashboard
	b.WriteString(fmt.Sprintf("  Active runs: %d  Pending approvals: %d\n\n", d.ActiveRuns, d.PendingApprovals))

	b.WriteString("  Fusion weights:\n")
	for _, name := range sortedKeys(d.FusionState.Weights) {
		b.WriteString(fmt.Sprintf("    • %-10s %.3f\n", name, d.FusionState.Weights[name]))
	}
	b.WriteString(fmt.Sprintf("\n  Thresholds: severity ≥ %.2f, confidence ≥ %.2f\n",
		d.FusionState.SevThreshold, d.FusionState.ConfThreshold))

	if d.LatestMetric != nil {
		m := d.LatestMetric
		b.WriteString("\n  Latest run metrics:\n")
		b.WriteString(fmt.Sprintf("    • False alarm rate: %.3f\n", m.FalseAlarmRate))
		b.WriteString(fmt.Sprintf("    • Severity MAE:     %.3f\n", m.SeverityMAE))
		b.WriteString(fmt.Sprintf("    • Brier score:      %.3f\n", m.BrierScore))
		b.WriteString(fmt.Sprintf("    • Lead time (days): %.1f\n", m.LeadTimeDays))
	}

	return b.String()
}

func (a *App) formatSeverity(sev float64) string {
	text := fmt.Sprintf("%.1f", sev)
	switch {
	case sev >= 7:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render(text)
	case sev >= 4:
		return lipgloss.NewStyle().Foreground(warningColor).Render(text)
	default:
		return lipgloss.NewStyle().Foreground(successColor).Render(text)
	}
}

func (a *App) fetchQueue() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		queue, err := a.client.PendingApprovals()
		if err != nil {
			return errMsg{err}
		}
		return queueLoadedMsg{queue}
	}
}

func (a *App) fetchCase(caseID, runID string) tea.Cmd {
	return func() tea.Msg {
		detail, err := a.client.GetCase(caseID, runID)
		if err != nil {
			return errMsg{err}
		}
		return caseLoadedMsg{detail}
	}
}

func (a *App) fetchDashboard() tea.Cmd {
	return func() tea.Msg {
		d, err := a.client.GetDashboard()
		if err != nil {
			return errMsg{err}
		}
		return dashboardLoadedMsg{d}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		return daemonStatusMsg{online: a.client.CheckHealth()}
	}
}

func (a *App) startRun() tea.Cmd {
	return func() tea.Msg {
		run, err := a.client.StartRun(0)
		if err != nil {
			return errMsg{err}
		}
		return runStartedMsg{run}
	}
}

func (a *App) submitDecision(status models.ApprovalStatus, notes string) tea.Cmd {
	if len(a.queue) == 0 {
		return nil
	}
	approvalID := a.queue[a.selectedIdx].ID
	reviewer := a.reviewer
	return func() tea.Msg {
		result, err := a.client.SubmitDecision(approvalID, status, reviewer, notes)
		if err != nil {
			return errMsg{err}
		}
		switch result.Status {
		case models.ApprovalStatusApproved:
			if result.Dispatch != nil && result.Dispatch.Dispatched {
				return decisionResultMsg{fmt.Sprintf("✓ Approved, alert dispatched via %s", result.Dispatch.Channel)}
			}
			return decisionResultMsg{"✓ Approved, dispatch failed (see case audit)"}
		case models.ApprovalStatusRejected:
			return decisionResultMsg{"✓ Rejected, no alert sent"}
		default:
			return decisionResultMsg{"✓ More evidence requested, re-evaluation scheduled"}
		}
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type queueLoadedMsg struct {
	queue []models.Approval
}

type caseLoadedMsg struct {
	detail *controlplane.CaseDetail
}

type dashboardLoadedMsg struct {
	dashboard *controlplane.Dashboard
}

type daemonStatusMsg struct {
	online bool
}

type decisionResultMsg struct {
	message string
}

type runStartedMsg struct {
	run *models.Run
}

type errMsg struct {
	err error
}
