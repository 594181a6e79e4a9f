package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/sharesync/transfer"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		expected    string
	}{
		{0, "0 B/s"},
		{500, "500 B/s"},
		{1024, "1.0 KiB/s"},
		{1572864, "1.5 MiB/s"},
		{1073741824, "1.0 GiB/s"},
	}

	for _, tt := range tests {
		result := formatSpeed(tt.bytesPerSec)
		if result != tt.expected {
			t.Errorf("formatSpeed(%v) = %v; want %v", tt.bytesPerSec, result, tt.expected)
		}
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		bytesPerSec    float64
		totalBytes     int64
		completedBytes int64
		expected       string
	}{
		{0, 10000, 0, "Calculating..."},
		{1000, 0, 0, "Calculating..."},
		{1000, 10000, 5000, "5s"},
		{10, 1000, 1000, "0s"},
		{1, 1 << 30, 0, "> 1d"},
	}

	for _, tt := range tests {
		result := formatETA(tt.bytesPerSec, tt.totalBytes, tt.completedBytes)
		if result != tt.expected {
			t.Errorf("formatETA(%v, %v, %v) = %v; want %v",
				tt.bytesPerSec, tt.totalBytes, tt.completedBytes, result, tt.expected)
		}
	}
}

type fakeController struct {
	jobs     []transfer.Snapshot
	calls    []string
	pauseErr error
}

func (f *fakeController) Pause(id string) error {
	f.calls = append(f.calls, "pause "+id)
	return f.pauseErr
}

func (f *fakeController) PauseAll() { f.calls = append(f.calls, "pause-all") }

func (f *fakeController) Resume(id string) error {
	f.calls = append(f.calls, "resume "+id)
	return nil
}

func (f *fakeController) RunQueued() int {
	f.calls = append(f.calls, "run-queued")
	return 0
}

func (f *fakeController) Retry(id string) error {
	f.calls = append(f.calls, "retry "+id)
	return nil
}

func (f *fakeController) Cancel(id string) error {
	f.calls = append(f.calls, "cancel "+id)
	return nil
}

func (f *fakeController) Snapshot() []transfer.Snapshot { return f.jobs }

func job(id string, status transfer.Status, done, total int64, version uint64) transfer.Snapshot {
	return transfer.Snapshot{
		ID: id,
		Request: transfer.Request{
			Direction: transfer.Upload,
			LocalPath: "/data/" + id,
			Remote:    transfer.RemotePath{Account: "acct", Share: "docs", Path: id},
		},
		Status:           status,
		BytesTransferred: done,
		TotalBytes:       total,
		Version:          version,
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func sized(m TUIModel) TUIModel {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(TUIModel)
}

func TestTUIModelInitialization(t *testing.T) {
	ctrl := &fakeController{jobs: []transfer.Snapshot{job("a", transfer.StatusQueued, 0, 10, 1)}}
	model := NewTUIModel(ctrl, nil, false)

	if len(model.jobs) != 1 {
		t.Errorf("Expected 1 seeded job, got %d", len(model.jobs))
	}
	if !strings.Contains(model.View(), "Initializing...") {
		t.Errorf("Expected Initializing view when width is 0")
	}

	view := sized(model).View()
	assert.Contains(t, view, "Transfer Queue")
	assert.Contains(t, view, "acct/docs/a")
	assert.Contains(t, view, "Queued 1")
}

func TestTUIModel_DropsStaleSnapshots(t *testing.T) {
	model := sized(NewTUIModel(&fakeController{}, nil, false))

	next, _ := model.Update(JobMsg(job("a", transfer.StatusRunning, 50, 100, 5)))
	next, _ = next.(TUIModel).Update(JobMsg(job("a", transfer.StatusQueued, 0, 100, 3)))
	m := next.(TUIModel)

	assert.Equal(t, transfer.StatusRunning, m.jobs["a"].Status)
	assert.Equal(t, int64(50), m.jobs["a"].BytesTransferred)
}

func TestTUIModel_QuitsWhenIdle(t *testing.T) {
	model := sized(NewTUIModel(&fakeController{}, nil, true))

	next, cmd := model.Update(JobMsg(job("a", transfer.StatusRunning, 1, 10, 1)))
	require.NotNil(t, next)
	if cmd != nil {
		_, isQuit := cmd().(tea.QuitMsg)
		assert.False(t, isQuit, "a running job keeps the program alive")
	}

	_, cmd = next.(TUIModel).Update(JobMsg(job("a", transfer.StatusCompleted, 10, 10, 2)))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestTUIModel_KeyCommands(t *testing.T) {
	ctrl := &fakeController{jobs: []transfer.Snapshot{
		job("running", transfer.StatusRunning, 1, 10, 1),
		job("failed", transfer.StatusFailed, 0, 10, 1),
	}}
	model := sized(NewTUIModel(ctrl, nil, false))

	// Running sorts first, so the cursor starts there.
	_, cmd := model.Update(key("p"))
	require.NotNil(t, cmd)
	cmd()

	next, _ := model.Update(key("j"))
	_, cmd = next.Update(key("R"))
	require.NotNil(t, cmd)
	cmd()

	next.Update(key("P"))
	next.Update(key("g"))
	assert.Equal(t, []string{"pause running", "retry failed", "pause-all", "run-queued"}, ctrl.calls)
}

func TestTUIModel_ShowsCommandErrors(t *testing.T) {
	ctrl := &fakeController{
		jobs:     []transfer.Snapshot{job("a", transfer.StatusCompleted, 10, 10, 1)},
		pauseErr: errors.New("invalid status transition"),
	}
	model := sized(NewTUIModel(ctrl, nil, false))

	_, cmd := model.Update(key("p"))
	require.NotNil(t, cmd)
	next, _ := model.Update(cmd())
	assert.Contains(t, next.View(), "invalid status transition")
}

func TestTUIModel_Throughput(t *testing.T) {
	model := sized(NewTUIModel(&fakeController{}, nil, false))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	model.now = func() time.Time { return now }

	next, _ := model.Update(JobMsg(job("a", transfer.StatusRunning, 0, 4096, 1)))
	now = start.Add(2 * time.Second)
	next, _ = next.(TUIModel).Update(JobMsg(job("a", transfer.StatusRunning, 2048, 4096, 2)))

	m := next.(TUIModel)
	assert.InDelta(t, 1024, m.throughput(), 0.001)
	assert.Contains(t, m.View(), "1.0 KiB/s")
}

func TestTUIModel_StreamClosedQuits(t *testing.T) {
	events := make(chan transfer.Snapshot)
	close(events)
	model := NewTUIModel(&fakeController{}, events, false)

	msg := waitForJob(events)()
	_, cmd := model.Update(msg)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}
