// Package app renders live harvest progress in the terminal. It is a thin
// consumer of orchestrator updates: per-symbol discovery totals feed an
// overall progress bar, and the most recent activity per symbol is shown in
// a scrolling table.
package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"binvision/internal/orchestrator"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	barStyle    = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	statusStyle = map[orchestrator.Stage]lipgloss.Style{
		orchestrator.StageDiscovered: lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
		orchestrator.StageFetched:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		orchestrator.StageMerged:     lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		orchestrator.StageSkipped:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		orchestrator.StageFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type symbolProgress struct {
	symbol      string
	total       int
	done        int
	lastStage   orchestrator.Stage
	lastArchive string
	errMsg      string
	updated     time.Time
}

type updateMsg orchestrator.Update

type finishedMsg struct {
	stats orchestrator.Stats
	err   error
}

// Model is the bubbletea model for a running harvest.
type Model struct {
	spinner spinner.Model
	bar     progress.Model

	updates <-chan orchestrator.Update
	result  <-chan finishedMsg

	symbols     map[string]*symbolProgress
	symbolOrder []string
	total       int64
	completed   int64

	stats    orchestrator.Stats
	finished bool
	finalErr error

	termWidth  int
	termHeight int
}

func newModel(updates <-chan orchestrator.Update, result <-chan finishedMsg) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &Model{
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient()),
		updates: updates,
		result:  result,
		symbols: make(map[string]*symbolProgress),
	}
}

// Run executes the harvest function under a live progress display and
// returns the harvest result once both have finished.
func Run(harvest func(progress chan<- orchestrator.Update) (orchestrator.Stats, error)) (orchestrator.Stats, error) {
	updates := make(chan orchestrator.Update, 64)
	result := make(chan finishedMsg, 1)

	go func() {
		stats, err := harvest(updates)
		close(updates)
		result <- finishedMsg{stats: stats, err: err}
	}()

	m := newModel(updates, result)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return orchestrator.Stats{}, fmt.Errorf("run progress ui: %w", err)
	}
	fm, ok := final.(*Model)
	if !ok {
		return orchestrator.Stats{}, fmt.Errorf("unexpected final model type %T", final)
	}
	if !fm.finished {
		// The user quit before the harvest finished. Drain remaining updates
		// so the harvest goroutine never blocks on a send; its final counters
		// are abandoned along with the run, so the stats here are zero.
		go func() {
			for range updates {
			}
		}()
	}
	return fm.stats, fm.finalErr
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForUpdate())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.bar.Width = maxInt(0, m.termWidth-10)
	case updateMsg:
		m.apply(orchestrator.Update(msg))
		if m.total > 0 {
			cmds = append(cmds, m.bar.SetPercent(float64(m.completed)/float64(m.total)))
		}
		cmds = append(cmds, m.waitForUpdate())
	case finishedMsg:
		m.finished = true
		m.stats = msg.stats
		m.finalErr = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		if !m.finished {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		if newBar, ok := barModel.(progress.Model); ok {
			m.bar = newBar
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) apply(u orchestrator.Update) {
	key := u.Pattern + "/" + u.Symbol
	sp, exists := m.symbols[key]
	if !exists {
		sp = &symbolProgress{symbol: u.Symbol}
		m.symbols[key] = sp
		m.symbolOrder = append(m.symbolOrder, key)
	}
	sp.lastStage = u.Stage
	sp.lastArchive = u.Archive
	sp.updated = time.Now()
	if u.Err != nil {
		sp.errMsg = u.Err.Error()
	}

	switch u.Stage {
	case orchestrator.StageDiscovered:
		sp.total = u.Total
		m.total += int64(u.Total)
	case orchestrator.StageMerged, orchestrator.StageSkipped, orchestrator.StageFailed:
		sp.done++
		m.completed++
	}
}

func (m *Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.updates
		if !ok {
			return finishedMsg(<-m.result)
		}
		return updateMsg(u)
	}
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("--- binvision harvest ---"))
	b.WriteString("\n\n")

	if m.finished {
		b.WriteString(fmt.Sprintf("Done. succeeded=%d failed=%d skipped=%d\n",
			m.stats.Succeeded, m.stats.Failed, m.stats.Skipped))
		if m.finalErr != nil {
			b.WriteString(errorStyle.Render(m.finalErr.Error()))
			b.WriteString("\n")
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%s Harvesting...\n", m.spinner.View()))
	b.WriteString(barStyle.Render(m.bar.View()))
	b.WriteString(fmt.Sprintf(" (%d/%d)\n\n", m.completed, m.total))

	if len(m.symbolOrder) > 0 {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-14s | %-10s | %-12s | %s", "Symbol", "Archives", "Status", "Last Archive")))
		b.WriteString("\n")

		// Most recently active symbols first, bounded by terminal height.
		keys := append([]string(nil), m.symbolOrder...)
		sort.Slice(keys, func(i, j int) bool {
			return m.symbols[keys[i]].updated.After(m.symbols[keys[j]].updated)
		})
		maxLines := maxInt(1, m.termHeight-8)
		if len(keys) > maxLines {
			keys = keys[:maxLines]
		}
		for _, key := range keys {
			sp := m.symbols[key]
			style, ok := statusStyle[sp.lastStage]
			if !ok {
				style = infoStyle
			}
			line := fmt.Sprintf("%-14s | %4d/%-5d | %-12s | %s",
				sp.symbol, sp.done, sp.total, style.Render(string(sp.lastStage)), sp.lastArchive)
			b.WriteString(line)
			b.WriteString("\n")
			if sp.errMsg != "" {
				b.WriteString(errorStyle.Render("  -> " + sp.errMsg))
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(infoStyle.Render("'q' or Ctrl+C to quit."))
	return b.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
