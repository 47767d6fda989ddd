package logging

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines to buffer per server.
	MaxBufferedLines = 100
)

// ServerLogHandler handles combined stdout/stderr output from an automation
// server process. It buffers recent lines so that startup failures can report
// what the server actually said, and logs lines at a level derived from their
// content.
type ServerLogHandler struct {
	port    int
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewServerLogHandler creates a log handler for the server listening on port.
func NewServerLogHandler(port int, logger *slog.Logger, verbose bool) *ServerLogHandler {
	return &ServerLogHandler{
		port:    port,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads from an io.Reader and processes each line.
// This should be run in a goroutine.
func (h *ServerLogHandler) HandleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, MaxLineLength)
	scanner.Buffer(buf, MaxLineLength)

	for scanner.Scan() {
		h.HandleLine(scanner.Text())
	}
}

// HandleLine processes a single line of server output.
func (h *ServerLogHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	h.logLine(line)
}

// logLine logs the line at appropriate level based on content.
func (h *ServerLogHandler) logLine(line string) {
	level := h.classifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(nil, level, "server_output",
		"port", h.port,
		"line", line,
	)
}

// classifyLine determines the log level for a line based on content.
func (h *ServerLogHandler) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	// Fatal startup conditions
	if strings.Contains(lower, "eaddrinuse") ||
		strings.Contains(lower, "could not start") ||
		strings.Contains(lower, "fatal") {
		return slog.LevelError
	}

	// Error and warning patterns
	if strings.Contains(lower, "[error]") ||
		strings.Contains(lower, "error:") ||
		strings.Contains(lower, "econnrefused") ||
		strings.Contains(lower, "unable to") ||
		strings.Contains(lower, "[warn]") ||
		strings.Contains(lower, "deprecated") {
		return slog.LevelWarn
	}

	// Request traffic lines ([HTTP] --> POST /session ...) are noise
	// unless debugging a session.
	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent buffered lines, oldest first.
func (h *ServerLogHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}

// ErrorPatterns are server output patterns worth counting for the job report.
var ErrorPatterns = []string{
	"EADDRINUSE",
	"ECONNREFUSED",
	"Could not find",
	"InvalidArgumentError",
	"UnknownError",
	"session not created",
	"timeout",
	"500",
}

// CountErrors counts occurrences of error patterns in the buffer.
func (h *ServerLogHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}
