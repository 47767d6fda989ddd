package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/actions"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/orchestrator"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
)

// =============================================================================
// Fixtures
// =============================================================================

func boardPlan() *plan.RunPlan {
	return &plan.RunPlan{
		Jobs: []plan.RunJob{
			{
				Index:    0,
				Platform: plan.PlatformIOS,
				Device: plan.Device{
					Platform: plan.PlatformIOS,
					IOS:      &config.IOSDevice{Name: "iPhone 16 Pro", Folder: "phone-6.3"},
				},
				Language: "en-US",
			},
			{
				Index:    1,
				Platform: plan.PlatformAndroid,
				Device: plan.Device{
					Platform: plan.PlatformAndroid,
					Android:  &config.AndroidDevice{AVD: "Pixel_9_API_35", Folder: "phone"},
				},
				Language: "de-DE",
			},
		},
	}
}

func boardModel() Model {
	return New(Config{
		Plan:        boardPlan(),
		Workers:     2,
		MetricsAddr: "127.0.0.1:17091",
		OutputRoot:  "./screenshots",
	})
}

func finishedJob(index int, status orchestrator.JobStatus, errs ...string) JobFinishedMsg {
	now := time.Now()
	return JobFinishedMsg{
		Result: orchestrator.JobResult{
			Index:      index,
			JobID:      "job",
			Status:     status,
			StartedAt:  now.Add(-time.Minute),
			FinishedAt: now,
			Errors:     errs,
		},
	}
}

// =============================================================================
// Tests: New
// =============================================================================

func TestNew(t *testing.T) {
	model := boardModel()

	if model.workers != 2 {
		t.Errorf("workers = %d, want 2", model.workers)
	}
	if model.metricsAddr != "127.0.0.1:17091" {
		t.Errorf("metricsAddr = %s, want 127.0.0.1:17091", model.metricsAddr)
	}
	if len(model.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(model.rows))
	}
	if model.rows[0].device != "iPhone 16 Pro" {
		t.Errorf("row 0 device = %q, want iPhone 16 Pro", model.rows[0].device)
	}
	if model.rows[0].status != orchestrator.StatusPending {
		t.Errorf("row 0 status = %q, want pending", model.rows[0].status)
	}
	if model.rows[1].id != "android/phone/de-DE" {
		t.Errorf("row 1 id = %q, want android/phone/de-DE", model.rows[1].id)
	}
	if model.width != 80 {
		t.Errorf("width = %d, want 80", model.width)
	}
	if model.height != 24 {
		t.Errorf("height = %d, want 24", model.height)
	}
}

func TestNew_NilPlan(t *testing.T) {
	model := New(Config{Workers: 1})
	if len(model.rows) != 0 {
		t.Errorf("rows = %d, want 0", len(model.rows))
	}
	if model.Progress() != 0 {
		t.Errorf("Progress() = %v, want 0", model.Progress())
	}
}

// =============================================================================
// Tests: Init
// =============================================================================

func TestModel_Init(t *testing.T) {
	model := boardModel()
	if cmd := model.Init(); cmd == nil {
		t.Error("Init() returned nil cmd")
	}
}

// =============================================================================
// Tests: Update - Key Messages
// =============================================================================

func TestModel_Update_QuitKeys(t *testing.T) {
	tests := []struct {
		key      string
		wantQuit bool
	}{
		{"q", true},
		{"ctrl+c", true},
		{"esc", true},
		{"d", false},
		{"r", false},
		{"x", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			model := boardModel()
			msg := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tt.key)}
			if tt.key == "ctrl+c" {
				msg = tea.KeyMsg{Type: tea.KeyCtrlC}
			} else if tt.key == "esc" {
				msg = tea.KeyMsg{Type: tea.KeyEsc}
			}

			newModel, cmd := model.Update(msg)
			m := newModel.(Model)

			if m.quitting != tt.wantQuit {
				t.Errorf("quitting = %v, want %v", m.quitting, tt.wantQuit)
			}

			if tt.wantQuit && cmd == nil {
				t.Error("expected tea.Quit cmd")
			}
		})
	}
}

func TestModel_Update_ToggleFailuresView(t *testing.T) {
	model := boardModel()

	if model.failuresView {
		t.Error("failuresView should be false initially")
	}

	msg := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")}
	newModel, _ := model.Update(msg)
	m := newModel.(Model)

	if !m.failuresView {
		t.Error("failuresView should be true after pressing 'd'")
	}

	newModel, _ = m.Update(msg)
	m = newModel.(Model)

	if m.failuresView {
		t.Error("failuresView should be false after pressing 'd' again")
	}
}

// =============================================================================
// Tests: Update - Window Size
// =============================================================================

func TestModel_Update_WindowSize(t *testing.T) {
	model := boardModel()

	msg := tea.WindowSizeMsg{Width: 120, Height: 40}
	newModel, _ := model.Update(msg)
	m := newModel.(Model)

	if m.width != 120 {
		t.Errorf("width = %d, want 120", m.width)
	}
	if m.height != 40 {
		t.Errorf("height = %d, want 40", m.height)
	}
}

// =============================================================================
// Tests: Update - Tick
// =============================================================================

func TestModel_Update_Tick(t *testing.T) {
	model := boardModel()

	_, cmd := model.Update(TickMsg(time.Now()))
	if cmd == nil {
		t.Error("expected tick cmd to be returned")
	}
}

// =============================================================================
// Tests: Update - Job Lifecycle
// =============================================================================

func TestModel_Update_JobLifecycle(t *testing.T) {
	p := boardPlan()
	model := boardModel()

	// Start job 0.
	newModel, _ := model.Update(JobStartedMsg{Job: p.Jobs[0]})
	m := newModel.(Model)

	if m.rows[0].status != orchestrator.StatusRunning {
		t.Errorf("row 0 status = %q, want running", m.rows[0].status)
	}
	if m.rows[0].startedAt.IsZero() {
		t.Error("row 0 startedAt should be set")
	}
	if m.rows[1].status != orchestrator.StatusPending {
		t.Errorf("row 1 status = %q, want pending", m.rows[1].status)
	}

	// Phase update.
	newModel, _ = m.Update(JobPhaseMsg{Job: p.Jobs[0], Phase: "capturing home"})
	m = newModel.(Model)

	if m.rows[0].phase != "capturing home" {
		t.Errorf("row 0 phase = %q, want capturing home", m.rows[0].phase)
	}

	// Two captures.
	newModel, _ = m.Update(ScreenshotMsg{Job: p.Jobs[0], Size: 2048})
	m = newModel.(Model)
	newModel, _ = m.Update(ScreenshotMsg{Job: p.Jobs[0], Size: 1024})
	m = newModel.(Model)

	if m.rows[0].shots != 2 {
		t.Errorf("row 0 shots = %d, want 2", m.rows[0].shots)
	}
	if m.shots != 2 {
		t.Errorf("total shots = %d, want 2", m.shots)
	}
	if m.shotBytes != 3072 {
		t.Errorf("shotBytes = %d, want 3072", m.shotBytes)
	}

	// Finish.
	newModel, _ = m.Update(finishedJob(0, orchestrator.StatusPassed))
	m = newModel.(Model)

	if m.rows[0].status != orchestrator.StatusPassed {
		t.Errorf("row 0 status = %q, want passed", m.rows[0].status)
	}
	if m.rows[0].phase != "" {
		t.Errorf("row 0 phase = %q, want cleared", m.rows[0].phase)
	}
	if m.done != 1 || m.passed != 1 {
		t.Errorf("done/passed = %d/%d, want 1/1", m.done, m.passed)
	}
}

func TestModel_Update_CountsByStatus(t *testing.T) {
	model := boardModel()

	newModel, _ := model.Update(finishedJob(0, orchestrator.StatusFailed, "tap ~Next: element not visible"))
	m := newModel.(Model)
	newModel, _ = m.Update(finishedJob(1, orchestrator.StatusCancelled, "cancelled before start: context canceled"))
	m = newModel.(Model)

	if m.done != 2 {
		t.Errorf("done = %d, want 2", m.done)
	}
	if m.failed != 1 {
		t.Errorf("failed = %d, want 1", m.failed)
	}
	if m.cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", m.cancelled)
	}
	if len(m.rows[0].errs) != 1 {
		t.Errorf("row 0 errs = %d, want 1", len(m.rows[0].errs))
	}
}

// A finish for a job that never started still lands on the board. Jobs
// cancelled before dispatch take this path.
func TestModel_Update_FinishWithoutStart(t *testing.T) {
	model := boardModel()

	newModel, _ := model.Update(finishedJob(1, orchestrator.StatusCancelled))
	m := newModel.(Model)

	if m.rows[1].status != orchestrator.StatusCancelled {
		t.Errorf("row 1 status = %q, want cancelled", m.rows[1].status)
	}
	if m.rows[1].startedAt.IsZero() {
		t.Error("startedAt should fall back to the result's timestamp")
	}
}

func TestModel_Update_OutOfRangeIndexIgnored(t *testing.T) {
	model := boardModel()

	newModel, _ := model.Update(finishedJob(99, orchestrator.StatusPassed))
	m := newModel.(Model)

	// Totals still move; the board just has no row to update.
	if m.done != 1 {
		t.Errorf("done = %d, want 1", m.done)
	}
}

// =============================================================================
// Tests: Update - Quit Message
// =============================================================================

func TestModel_Update_QuitMsg(t *testing.T) {
	model := boardModel()

	newModel, cmd := model.Update(QuitMsg{})
	m := newModel.(Model)

	if !m.quitting {
		t.Error("quitting should be true")
	}
	if cmd == nil {
		t.Error("expected tea.Quit cmd")
	}
}

// =============================================================================
// Tests: Accessors
// =============================================================================

func TestModel_Progress(t *testing.T) {
	model := boardModel()

	if got := model.Progress(); got != 0 {
		t.Errorf("Progress() = %v, want 0", got)
	}

	newModel, _ := model.Update(finishedJob(0, orchestrator.StatusPassed))
	m := newModel.(Model)

	if got := m.Progress(); got != 0.5 {
		t.Errorf("Progress() = %v, want 0.5", got)
	}

	newModel, _ = m.Update(finishedJob(1, orchestrator.StatusPassed))
	m = newModel.(Model)

	if got := m.Progress(); got != 1.0 {
		t.Errorf("Progress() = %v, want 1.0", got)
	}
}

func TestModel_Elapsed(t *testing.T) {
	model := boardModel()
	time.Sleep(10 * time.Millisecond)

	if elapsed := model.Elapsed(); elapsed < 10*time.Millisecond {
		t.Errorf("Elapsed() = %v, want >= 10ms", elapsed)
	}
}

// =============================================================================
// Tests: Callbacks
// =============================================================================

// Callbacks with a nil program must not panic; events are dropped.
func TestCallbacks_NilProgram(t *testing.T) {
	cb := Callbacks(nil)

	job := boardPlan().Jobs[0]
	cb.OnJobStart(job)
	cb.OnJobPhase(job, "starting server")
	cb.OnScreenshot(job, actions.ScreenshotRecord{Size: 100})
	cb.OnJobFinish(orchestrator.JobResult{Index: 0})
}

// =============================================================================
// Tests: Formatting Helpers
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{time.Second, "00:00:01"},
		{time.Minute, "00:01:00"},
		{time.Hour, "01:00:00"},
		{2*time.Hour + 30*time.Minute + 45*time.Second, "02:30:45"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatDuration(tt.d); got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1.00 KB"},
		{1000000, "1.00 MB"},
		{1000000000, "1.00 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatBytes(tt.n); got != tt.want {
				t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"a very long device name", 10, "a very lo…"},
		{"anything", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := truncate(tt.s, tt.max); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.max, got, tt.want)
			}
		})
	}
}
