package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/trustflow/internal/store"
)

var (
	critStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // dim gray

	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	detailStyle    = lipgloss.NewStyle().Padding(0, 1)
	separatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Outcome labels shown in the RESULT column.
const (
	LabelFailed     = "FAILED"
	LabelError      = "ERROR"
	LabelPerformed  = "PERFORMED"
	LabelNotMatched = "NO MATCH"
)

// Model is the BubbleTea model for the history TUI.
type Model struct {
	now         time.Time
	title       string
	names       map[string]string // trigger uuid -> name
	all         []store.TriggerHistory
	rows        []store.TriggerHistory // current view (may be filtered)
	table       table.Model
	searchInput textinput.Model
	width       int
	height      int
	quitting    bool
	searching   bool
}

// NewModel creates a TUI model over recorded History rows. names maps
// trigger UUIDs to display names; missing entries fall back to the UUID.
func NewModel(histories []store.TriggerHistory, names map[string]string, title string, now time.Time) *Model {
	sorted := sortHistories(histories)

	cols := []table.Column{
		{Title: "RESULT", Width: 10},
		{Title: "WHEN", Width: 10},
		{Title: "TRIGGER", Width: 20},
		{Title: "OBJECT", Width: 30},
		{Title: "MESSAGE", Width: 36},
	}

	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240"))
	s.Selected = s.Selected.Bold(true).
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("57"))

	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithStyles(s),
	)

	ti := textinput.New()
	ti.Placeholder = "type to filter..."
	ti.CharLimit = 64

	m := &Model{
		now:         now,
		title:       title,
		names:       names,
		all:         sorted,
		rows:        sorted,
		table:       t,
		searchInput: ti,
		width:       80,
		height:      24,
	}
	m.rebuildRows()
	return m
}

// Init satisfies tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update handles key events.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.searching {
		return m.updateSearch(msg)
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "esc":
			if m.searchInput.Value() != "" {
				m.searchInput.SetValue("")
				m.applyFilter()
				return m, nil
			}
			m.quitting = true
			return m, tea.Quit
		case "/":
			m.searching = true
			return m, m.searchInput.Focus()
		case "g":
			m.table.GotoTop()
			return m, nil
		case "G":
			m.table.GotoBottom()
			return m, nil
		case "1", "2", "3", "4", "5", "6", "7", "8", "9":
			n := int(msg.String()[0] - '0')
			if n <= len(m.rows) {
				m.table.SetCursor(n - 1)
			}
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.resize(msg)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) updateSearch(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			m.searching = false
			m.searchInput.Blur()
			return m, nil
		case "esc":
			m.searching = false
			m.searchInput.SetValue("")
			m.searchInput.Blur()
			m.applyFilter()
			return m, nil
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.resize(msg)
	}

	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m *Model) resize(msg tea.WindowSizeMsg) {
	m.width = msg.Width
	m.height = msg.Height
	m.table.SetHeight(m.tableHeight())
	m.table.SetWidth(m.width)
}

// View renders the full TUI.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteByte('\n')
	b.WriteString(m.table.View())
	b.WriteByte('\n')
	b.WriteString(separatorStyle.Render(strings.Repeat("─", m.width)))
	b.WriteByte('\n')
	b.WriteString(m.detailView())
	b.WriteByte('\n')
	b.WriteString(m.footerView())
	return b.String()
}

func (m *Model) headerView() string {
	title := m.title
	if title == "" {
		title = "history"
	}

	var failed, errs, performed, missed int
	for i := range m.rows {
		switch Result(&m.rows[i]) {
		case LabelFailed:
			failed++
		case LabelError:
			errs++
		case LabelPerformed:
			performed++
		default:
			missed++
		}
	}

	head := headerStyle.Render(fmt.Sprintf("trustflow · %s · %s",
		title, m.now.UTC().Format("2006-01-02 15:04 UTC")))

	totalStr := fmt.Sprintf("Total: %d", len(m.rows))
	if len(m.rows) != len(m.all) {
		totalStr = fmt.Sprintf("Showing: %d/%d", len(m.rows), len(m.all))
	}

	counts := headerStyle.Render(fmt.Sprintf(
		"%s  %s  %s  %s  %s",
		critStyle.Render(fmt.Sprintf("Failed: %d", failed)),
		warnStyle.Render(fmt.Sprintf("Errors: %d", errs)),
		okStyle.Render(fmt.Sprintf("Performed: %d", performed)),
		fmt.Sprintf("No match: %d", missed),
		totalStr,
	))

	return head + "\n" + counts
}

func (m *Model) detailView() string {
	if len(m.rows) == 0 {
		if m.searchInput.Value() != "" {
			return detailStyle.Render(dimStyle.Render("No matches."))
		}
		return detailStyle.Render("No history.")
	}

	idx := m.table.Cursor()
	if idx < 0 || idx >= len(m.rows) {
		return ""
	}

	h := &m.rows[idx]
	lines := []string{
		fmt.Sprintf("History: %s", h.UUID),
		fmt.Sprintf("Triggered: %s", h.TriggeredAt.UTC().Format(time.RFC3339)),
	}
	if h.Event != "" {
		lines = append(lines, fmt.Sprintf("Event: %s", h.Event))
	}
	if h.AssociationUUID == "" {
		lines = append(lines, "Association: (manual)")
	}
	if h.Message != "" {
		lines = append(lines, fmt.Sprintf("Message: %s", h.Message))
	}
	for i := range h.Records {
		r := &h.Records[i]
		line := fmt.Sprintf("  %-9s %s %s", r.Subject.Kind(), r.Subject.UUID(), styleStatus(r.Status))
		if r.Message != "" {
			line += " " + dimStyle.Render(r.Message)
		}
		lines = append(lines, line)
	}
	return detailStyle.Render(strings.Join(lines, "\n"))
}

func (m *Model) footerView() string {
	if m.searching {
		return " /" + m.searchInput.View()
	}
	help := " q quit · ↑↓/jk navigate · g/G top/bottom · 1-9 jump · / search"
	if m.searchInput.Value() != "" {
		help += " · esc clear"
	}
	return dimStyle.Render(help)
}

func (m *Model) tableHeight() int {
	// header, table chrome, separator, detail panel, footer
	reserved := 16
	h := m.height - reserved
	if h < 3 {
		h = 3
	}
	return h
}

func (m *Model) applyFilter() {
	query := strings.ToLower(m.searchInput.Value())
	if query == "" {
		m.rows = m.all
	} else {
		var filtered []store.TriggerHistory
		for i := range m.all {
			h := &m.all[i]
			hay := strings.ToLower(strings.Join([]string{
				m.triggerName(h.TriggerUUID), h.TriggerUUID, string(h.Resource),
				h.ObjectUUID, h.Event, h.Message, Result(h),
			}, " "))
			if strings.Contains(hay, query) {
				filtered = append(filtered, m.all[i])
			}
		}
		m.rows = filtered
	}
	m.rebuildRows()
}

func (m *Model) rebuildRows() {
	rows := make([]table.Row, len(m.rows))
	for i := range m.rows {
		rows[i] = historyToRow(&m.rows[i], m.triggerName(m.rows[i].TriggerUUID), m.now)
	}
	m.table.SetRows(rows)
}

func (m *Model) triggerName(uuid string) string {
	if name, ok := m.names[uuid]; ok && name != "" {
		return name
	}
	return uuid
}

func styleStatus(s store.ItemStatus) string {
	switch s {
	case store.StatusFailed, store.StatusError:
		return critStyle.Render(string(s))
	case store.StatusSkipped, store.StatusNotMatched:
		return warnStyle.Render(string(s))
	default:
		return okStyle.Render(string(s))
	}
}

// Result labels the outcome of one History row.
func Result(h *store.TriggerHistory) string {
	switch {
	case h.ConditionsMatched && h.Performed():
		return LabelPerformed
	case h.ConditionsMatched:
		return LabelFailed
	case diagnostic(h):
		return LabelError
	default:
		return LabelNotMatched
	}
}

// PlainText returns a non-interactive text representation for piped output.
func PlainText(histories []store.TriggerHistory, names map[string]string, now time.Time) string {
	sorted := sortHistories(histories)
	if len(sorted) == 0 {
		return "No history."
	}

	m := &Model{names: names}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-10s %-20s %-30s %s\n", "RESULT", "WHEN", "TRIGGER", "OBJECT", "MESSAGE")
	fmt.Fprintf(&b, "%-10s %-10s %-20s %-30s %s\n", "------", "----", "-------", "------", "-------")
	for i := range sorted {
		row := historyToRow(&sorted[i], m.triggerName(sorted[i].TriggerUUID), now)
		fmt.Fprintf(&b, "%-10s %-10s %-20s %-30s %s\n", row[0], row[1], row[2], row[3], row[4])
	}
	return b.String()
}

// historyToRow converts a History row to a table row with plain text (no ANSI).
// Embedding ANSI in cells causes the table to miscalculate column widths.
func historyToRow(h *store.TriggerHistory, trigger string, now time.Time) table.Row {
	return table.Row{
		Result(h),
		FormatAgo(h.TriggeredAt, now),
		truncate(trigger, 20),
		truncate(store.Object{Resource: h.Resource, UUID: h.ObjectUUID}.String(), 30),
		truncate(h.Message, 36),
	}
}

// FormatAgo returns a human-readable age of at relative to now (plain text).
func FormatAgo(at, now time.Time) string {
	d := now.Sub(at)
	if d < time.Minute {
		return "just now"
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh ago", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh ago", hours)
	default:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
}

var resultOrder = map[string]int{
	LabelFailed:     0,
	LabelError:      1,
	LabelPerformed:  2,
	LabelNotMatched: 3,
}

// sortHistories returns a sorted copy: failed actions first, then
// evaluation errors, performed, and misses. Newest first within a result.
func sortHistories(histories []store.TriggerHistory) []store.TriggerHistory {
	sorted := make([]store.TriggerHistory, len(histories))
	copy(sorted, histories)

	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := resultOrder[Result(&sorted[i])], resultOrder[Result(&sorted[j])]
		if ri != rj {
			return ri < rj
		}
		return sorted[i].TriggeredAt.After(sorted[j].TriggeredAt)
	})

	return sorted
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
