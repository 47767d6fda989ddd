package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/orchestrator"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderBoardView renders the job board dashboard.
func (m Model) renderBoardView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress())
	sections = append(sections, m.renderJobTable())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderFailuresView renders per-job failure details.
func (m Model) renderFailuresView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderFailures())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	counters := fmt.Sprintf("✓ %d  ✗ %d", m.passed, m.failed)
	if m.cancelled > 0 {
		counters += fmt.Sprintf("  ⊘ %d", m.cancelled)
	}

	header := fmt.Sprintf(
		" go-appium-screenshot-matrix │ Jobs: %d/%d │ %s │ Elapsed: %s ",
		m.done,
		len(m.rows),
		counters,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.Progress()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(progress, barWidth)

	var status string
	switch {
	case len(m.rows) == 0:
		status = dimStyle.Render("No jobs planned")
	case m.done >= len(m.rows):
		status = statusOK.Render("✓ All jobs finished")
	default:
		status = statusInfo.Render(fmt.Sprintf("Running... %d/%d jobs done (%d workers)",
			m.done, len(m.rows), m.workers))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Run Progress"),
		progressBar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Job Board
// =============================================================================

func (m Model) renderJobTable() string {
	if len(m.rows) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No jobs to display."),
		)
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%3s  %-8s  %-20s  %-7s  %-11s  %-18s  %5s  %9s",
			"#", "Platform", "Device", "Lang", "Status", "Phase", "Shots", "Elapsed"),
	)

	// Limit rows to fit the screen below the header and progress box.
	maxRows := m.height - 14
	if maxRows < 5 {
		maxRows = 5
	}

	now := time.Now()
	var rows []string
	for i := range m.rows {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(
				fmt.Sprintf("... and %d more jobs", len(m.rows)-maxRows)))
			break
		}
		rows = append(rows, m.renderJobRow(i, now))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Jobs"),
			header,
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderJobRow(i int, now time.Time) string {
	row := &m.rows[i]

	// Pad the status cell before styling it; ANSI escapes inside a
	// padded fmt verb would break column alignment.
	statusCell := StatusStyle(row.status).Render(
		fmt.Sprintf("%-11s", StatusIcon(row.status)+" "+string(row.status)))

	line := fmt.Sprintf("%3d  %-8s  %-20s  %-7s  %s  %-18s  %5d  %9s",
		i,
		truncate(row.platform, 8),
		truncate(row.device, 20),
		truncate(row.language, 7),
		statusCell,
		truncate(row.phase, 18),
		row.shots,
		rowElapsed(row, now),
	)

	if i%2 == 1 {
		// Only tint the static columns; the status cell keeps its color.
		return tableRowOddStyle.Render(line)
	}
	return tableRowEvenStyle.Render(line)
}

// rowElapsed renders a job's wall time: blank until dispatch, live while
// running, frozen once finished.
func rowElapsed(row *jobRow, now time.Time) string {
	switch {
	case row.startedAt.IsZero():
		return "-"
	case row.finishedAt.IsZero():
		return formatDuration(now.Sub(row.startedAt))
	default:
		return formatDuration(row.finishedAt.Sub(row.startedAt))
	}
}

// =============================================================================
// Failures View
// =============================================================================

func (m Model) renderFailures() string {
	var rows []string
	for i := range m.rows {
		row := &m.rows[i]
		if row.status != orchestrator.StatusFailed && row.status != orchestrator.StatusCancelled {
			continue
		}

		rows = append(rows, StatusStyle(row.status).Render(
			StatusIcon(row.status)+" "+row.id))
		for _, e := range row.errs {
			rows = append(rows, dimStyle.Render("    "+truncate(e, m.width-8)))
		}
	}

	if len(rows) == 0 {
		rows = append(rows, statusOK.Render("No failures so far."))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Failures")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	keys := "q: quit │ d: failures │ r: refresh"

	info := fmt.Sprintf("shots: %d (%s)", m.shots, formatBytes(m.shotBytes))
	if m.metricsAddr != "" {
		info += " │ metrics: http://" + m.metricsAddr + "/metrics"
	}
	if m.outputRoot != "" {
		info += " │ output: " + m.outputRoot
	}

	return footerStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		mutedStyle.Render(keys),
		dimStyle.Render(info),
	))
}

// =============================================================================
// Helpers
// =============================================================================

// truncate shortens s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
