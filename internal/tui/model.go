package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/actions"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/orchestrator"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to refresh elapsed times.
type TickMsg time.Time

// JobStartedMsg marks a job as dispatched.
type JobStartedMsg struct {
	Job plan.RunJob
}

// JobPhaseMsg updates a running job's lifecycle phase.
type JobPhaseMsg struct {
	Job   plan.RunJob
	Phase string
}

// ScreenshotMsg counts one capture against its job.
type ScreenshotMsg struct {
	Job  plan.RunJob
	Size int64
}

// JobFinishedMsg carries a job's final result. Jobs cancelled before
// dispatch arrive here without a preceding JobStartedMsg.
type JobFinishedMsg struct {
	Result orchestrator.JobResult
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// jobRow is the board's view of one job.
type jobRow struct {
	id       string
	platform string
	device   string
	language string

	status orchestrator.JobStatus
	phase  string
	shots  int
	errs   []string

	startedAt  time.Time
	finishedAt time.Time
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	workers     int
	metricsAddr string
	outputRoot  string

	// Job board, indexed by plan position
	rows []jobRow

	// Run totals
	done      int
	passed    int
	failed    int
	cancelled int
	shots     int
	shotBytes int64

	startTime time.Time

	// Display options
	width        int
	height       int
	failuresView bool

	// Quit flag
	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	Plan        *plan.RunPlan
	Workers     int
	MetricsAddr string
	OutputRoot  string
}

// New creates a new TUI model with one pending row per planned job.
func New(cfg Config) Model {
	var rows []jobRow
	if cfg.Plan != nil {
		rows = make([]jobRow, len(cfg.Plan.Jobs))
		for i := range cfg.Plan.Jobs {
			job := &cfg.Plan.Jobs[i]
			rows[i] = jobRow{
				id:       job.ID(),
				platform: string(job.Platform),
				device:   job.Device.Name(),
				language: job.Language,
				status:   orchestrator.StatusPending,
			}
		}
	}

	return Model{
		workers:     cfg.Workers,
		metricsAddr: cfg.MetricsAddr,
		outputRoot:  cfg.OutputRoot,
		rows:        rows,
		startTime:   time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// Note: tea.WithAltScreen() is passed when creating the program,
	// so we don't need tea.EnterAltScreen here.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.failuresView = !m.failuresView
			return m, nil
		case "r":
			// Force refresh
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tickCmd()

	case JobStartedMsg:
		if row := m.row(msg.Job.Index); row != nil {
			row.status = orchestrator.StatusRunning
			row.startedAt = time.Now()
		}
		return m, nil

	case JobPhaseMsg:
		if row := m.row(msg.Job.Index); row != nil {
			row.phase = msg.Phase
		}
		return m, nil

	case ScreenshotMsg:
		if row := m.row(msg.Job.Index); row != nil {
			row.shots++
		}
		m.shots++
		m.shotBytes += msg.Size
		return m, nil

	case JobFinishedMsg:
		res := msg.Result
		if row := m.row(res.Index); row != nil {
			row.status = res.Status
			row.phase = ""
			row.errs = res.Errors
			if row.startedAt.IsZero() {
				row.startedAt = res.StartedAt
			}
			row.finishedAt = res.FinishedAt
		}
		m.done++
		switch res.Status {
		case orchestrator.StatusPassed:
			m.passed++
		case orchestrator.StatusCancelled:
			m.cancelled++
		default:
			m.failed++
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.failuresView {
		return m.renderFailuresView()
	}
	return m.renderBoardView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the run started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Total returns the planned job count.
func (m Model) Total() int {
	return len(m.rows)
}

// Done returns the finished job count.
func (m Model) Done() int {
	return m.done
}

// Progress returns run completion (0.0 to 1.0).
func (m Model) Progress() float64 {
	if len(m.rows) == 0 {
		return 0
	}
	return float64(m.done) / float64(len(m.rows))
}

func (m *Model) row(index int) *jobRow {
	if index < 0 || index >= len(m.rows) {
		return nil
	}
	return &m.rows[index]
}

// =============================================================================
// Program Wiring
// =============================================================================

// Callbacks returns orchestrator callbacks that feed the program's
// message loop. Safe to call with a nil program; the callbacks then
// drop events.
func Callbacks(p *tea.Program) orchestrator.Callbacks {
	send := func(msg tea.Msg) {
		if p != nil {
			p.Send(msg)
		}
	}
	return orchestrator.Callbacks{
		OnJobStart: func(job plan.RunJob) {
			send(JobStartedMsg{Job: job})
		},
		OnJobPhase: func(job plan.RunJob, phase string) {
			send(JobPhaseMsg{Job: job, Phase: phase})
		},
		OnScreenshot: func(job plan.RunJob, rec actions.ScreenshotRecord) {
			send(ScreenshotMsg{Job: job, Size: rec.Size})
		},
		OnJobFinish: func(res orchestrator.JobResult) {
			send(JobFinishedMsg{Result: res})
		},
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatBytes formats bytes with KB/MB/GB suffixes.
func formatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}
