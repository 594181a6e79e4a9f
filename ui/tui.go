package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	humanize "github.com/dustin/go-humanize"

	"github.com/franksops/sharesync/transfer"
)

// Controller is the part of the queue the TUI can command. *engine.Queue
// implements it.
type Controller interface {
	Pause(id string) error
	PauseAll()
	Resume(id string) error
	RunQueued() int
	Retry(id string) error
	Cancel(id string) error
	Snapshot() []transfer.Snapshot
}

// JobMsg carries one job snapshot from the queue subscription.
type JobMsg transfer.Snapshot

// streamClosedMsg is sent once the subscription channel closes.
type streamClosedMsg struct{}

// commandErrMsg reports a failed queue command.
type commandErrMsg struct{ err error }

const (
	// throughputWindow is how far back the throughput estimate looks.
	throughputWindow = 5 * time.Second

	jobBarWidth = 20
)

type sample struct {
	at    time.Time
	bytes int64
}

// TUIModel renders queue progress and forwards key commands to the queue.
type TUIModel struct {
	ctrl   Controller
	events <-chan transfer.Snapshot
	now    func() time.Time

	jobs   map[string]transfer.Snapshot
	cursor int
	// exitWhenIdle quits once every job is terminal.
	exitWhenIdle bool
	samples      []sample
	lastErr      error

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	titleStyle    lipgloss.Style
	infoStyle     lipgloss.Style
	streamStyle   lipgloss.Style
	selectedStyle lipgloss.Style
	helpStyle     lipgloss.Style
	errorStyle    lipgloss.Style
	successStyle  lipgloss.Style
}

// NewTUIModel creates a model seeded with the queue's current jobs and fed by
// events. With exitWhenIdle the program quits once no job is active.
func NewTUIModel(ctrl Controller, events <-chan transfer.Snapshot, exitWhenIdle bool) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	m := TUIModel{
		ctrl:          ctrl,
		events:        events,
		now:           time.Now,
		jobs:          make(map[string]transfer.Snapshot),
		exitWhenIdle:  exitWhenIdle,
		spinner:       s,
		progress:      progress.New(progress.WithDefaultGradient()),
		titleStyle:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		selectedStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		helpStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
	if ctrl != nil {
		for _, snap := range ctrl.Snapshot() {
			m.jobs[snap.ID] = snap
		}
	}
	return m
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForJob(m.events))
}

// waitForJob reads the next snapshot off the subscription.
func waitForJob(events <-chan transfer.Snapshot) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		snap, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return JobMsg(snap)
	}
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(msg.Width-14, 10)

		headerHeight := 5
		footerHeight := 3
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))

	case JobMsg:
		m.apply(transfer.Snapshot(msg))
		if m.exitWhenIdle && m.idle() {
			return m, tea.Quit
		}
		cmds = append(cmds, waitForJob(m.events))

	case streamClosedMsg:
		return m, tea.Quit

	case commandErrMsg:
		m.lastErr = msg.err

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	jobs := m.sorted()
	var selected string
	if m.cursor < len(jobs) {
		selected = jobs[m.cursor].ID
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(jobs)-1 {
			m.cursor++
		}
	case "p":
		return m, m.command(selected, m.ctrl.Pause)
	case "r":
		return m, m.command(selected, m.ctrl.Resume)
	case "c":
		return m, m.command(selected, m.ctrl.Cancel)
	case "R":
		return m, m.command(selected, m.ctrl.Retry)
	case "P":
		m.ctrl.PauseAll()
	case "g":
		m.ctrl.RunQueued()
	}
	return m, nil
}

func (m TUIModel) command(id string, fn func(string) error) tea.Cmd {
	if id == "" {
		return nil
	}
	return func() tea.Msg {
		if err := fn(id); err != nil {
			return commandErrMsg{err: err}
		}
		return nil
	}
}

// apply records snap unless a newer version of the job is already known.
func (m *TUIModel) apply(snap transfer.Snapshot) {
	if old, ok := m.jobs[snap.ID]; ok && old.Version > snap.Version {
		return
	}
	m.jobs[snap.ID] = snap

	now := m.now()
	m.samples = append(m.samples, sample{at: now, bytes: m.transferred()})
	cut := 0
	for cut < len(m.samples)-1 && now.Sub(m.samples[cut].at) > throughputWindow {
		cut++
	}
	m.samples = m.samples[cut:]
}

func (m TUIModel) idle() bool {
	if len(m.jobs) == 0 {
		return false
	}
	for _, j := range m.jobs {
		if j.Status.Active() && j.Status != transfer.StatusPaused {
			return false
		}
	}
	return true
}

func (m TUIModel) transferred() int64 {
	var n int64
	for _, j := range m.jobs {
		n += j.BytesTransferred
	}
	return n
}

// throughput is the bytes per second seen across the sample window.
func (m TUIModel) throughput() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	first, last := m.samples[0], m.samples[len(m.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 || last.bytes <= first.bytes {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

// sorted lists jobs running first and completed last, newest change first
// within a status.
func (m TUIModel) sorted() []transfer.Snapshot {
	jobs := make([]transfer.Snapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if oa, ob := jobs[a].Status.Order(), jobs[b].Status.Order(); oa != ob {
			return oa < ob
		}
		if !jobs[a].UpdatedAt.Equal(jobs[b].UpdatedAt) {
			return jobs[a].UpdatedAt.After(jobs[b].UpdatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	header := fmt.Sprintf("%s sharesync %s", m.spinner.View(), m.titleStyle.Render("Transfer Queue"))
	sb.WriteString(header + "\n")

	jobs := m.sorted()
	counts := map[transfer.Status]int{}
	var total, done int64
	for _, j := range jobs {
		counts[j.Status]++
		total += j.TotalBytes
		done += j.BytesTransferred
	}
	var percent float64
	if total > 0 {
		percent = float64(done) / float64(total)
	}
	speed := m.throughput()

	info := fmt.Sprintf("ETA: %s | Running %d | Queued %d | Paused %d | Failed %d | Done %d | %s / %s | %s",
		formatETA(speed, total, done),
		counts[transfer.StatusRunning], counts[transfer.StatusQueued], counts[transfer.StatusPaused],
		counts[transfer.StatusFailed], counts[transfer.StatusCompleted],
		humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)), formatSpeed(speed))
	sb.WriteString(m.infoStyle.Render(info) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	var content strings.Builder
	if len(jobs) == 0 {
		content.WriteString(m.infoStyle.Render("No jobs..."))
	}
	for i, j := range jobs {
		line := m.jobLine(j)
		if i == m.cursor {
			line = m.selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		content.WriteString(line + "\n")
	}
	m.viewport.SetContent(content.String())
	sb.WriteString(m.viewport.View())

	if m.lastErr != nil {
		sb.WriteString("\n" + m.errorStyle.Render(m.lastErr.Error()))
	}
	help := m.helpStyle.Render("q: quit • j/k: select • p/r: pause/resume • c: cancel • R: retry • P: pause all • g: run queued")
	if m.idle() {
		help = m.successStyle.Render("All transfers settled.") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)
	return sb.String()
}

func (m TUIModel) jobLine(j transfer.Snapshot) string {
	var percent float64
	if j.TotalBytes > 0 {
		percent = float64(j.BytesTransferred) / float64(j.TotalBytes)
	} else if j.Status == transfer.StatusCompleted {
		percent = 1
	}

	target := j.Request.Remote.String()
	if j.Request.Direction == transfer.Download {
		target = j.Request.LocalPath
	}
	if len(target) > 40 {
		target = "..." + target[len(target)-37:]
	}

	status := string(j.Status)
	switch j.Status {
	case transfer.StatusFailed, transfer.StatusCanceled:
		status = m.errorStyle.Render(status)
	case transfer.StatusCompleted:
		status = m.successStyle.Render(status)
	default:
		status = m.streamStyle.Render(status)
	}

	bar := m.progress
	bar.Width = jobBarWidth
	line := fmt.Sprintf("%s | %-9s | %-8s | %s", bar.ViewAs(percent), status, j.Request.Direction, target)
	if j.Message != "" {
		line += " " + m.infoStyle.Render("("+j.Message+")")
	}
	return line
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 1 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

func formatETA(bytesPerSec float64, totalBytes, completedBytes int64) string {
	if bytesPerSec <= 0 || totalBytes == 0 {
		return "Calculating..."
	}
	remaining := totalBytes - completedBytes
	if remaining <= 0 {
		return "0s"
	}
	d := time.Duration(float64(remaining) / bytesPerSec * float64(time.Second))
	if d.Hours() > 24 {
		return "> 1d"
	}
	return d.Round(time.Second).String()
}
