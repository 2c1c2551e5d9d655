// Package accesslog appends one JSONL record per gateway request to
// daily-rotated files, one series for LLM traffic and one for MCP
// traffic, with retention enforced by a background sweep.
package accesslog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/localrouter/gateway/pkg/log"
)

// Direction says which half of the gateway a record belongs to.
type Direction string

const (
	DirectionLLM Direction = "llm"
	DirectionMCP Direction = "mcp"
)

// Entry is one append-only access-log record.
type Entry struct {
	Timestamp      time.Time `json:"ts"`
	Direction      Direction `json:"direction"`
	ClientID       string    `json:"client_id"`
	TargetServer   string    `json:"target_server,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	Method         string    `json:"method"`
	Status         int       `json:"status"`
	LatencyMS      int64     `json:"latency_ms"`
	RequestID      string    `json:"request_id,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	FirewallAction string    `json:"firewall_action,omitempty"`
}

// DefaultRetentionDays is how long rotated files are kept absent
// configuration.
const DefaultRetentionDays = 30

// Writer appends entries to the day's file for each direction, rotating
// at midnight and deleting files past the retention horizon.
type Writer struct {
	dir           string
	retentionDays int

	mu    sync.Mutex
	files map[Direction]*dayFile
	now   func() time.Time
}

type dayFile struct {
	day  string
	file *os.File
}

// NewWriter creates the log directory if needed and returns a writer.
func NewWriter(dir string, retentionDays int) (*Writer, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &Writer{
		dir:           dir,
		retentionDays: retentionDays,
		files:         make(map[Direction]*dayFile),
		now:           time.Now,
	}, nil
}

// filename is logs/localrouter-<direction>-YYYY-MM-DD.log.
func (w *Writer) filename(direction Direction, day string) string {
	return filepath.Join(w.dir, fmt.Sprintf("localrouter-%s-%s.log", direction, day))
}

// Write appends one entry. Errors are logged, never surfaced to the
// request path — a full disk must not fail user traffic.
func (w *Writer) Write(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}
	e = redact(e)

	data, err := json.Marshal(e)
	if err != nil {
		log.Logf("! access log: marshal entry: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	day := e.Timestamp.Format("2006-01-02")
	df, ok := w.files[e.Direction]
	if !ok || df.day != day {
		if ok {
			_ = df.file.Close()
		}
		file, err := os.OpenFile(w.filename(e.Direction, day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Logf("! access log: open %s: %v", w.filename(e.Direction, day), err)
			delete(w.files, e.Direction)
			return
		}
		df = &dayFile{day: day, file: file}
		w.files[e.Direction] = df
	}

	if _, err := df.file.Write(append(data, '\n')); err != nil {
		log.Logf("! access log: write: %v", err)
	}
}

// Close closes the open day files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for direction, df := range w.files {
		_ = df.file.Close()
		delete(w.files, direction)
	}
	return nil
}

var logFilePattern = regexp.MustCompile(`^localrouter-(llm|mcp)-(\d{4}-\d{2}-\d{2})\.log$`)

// SweepExpired deletes rotated files older than the retention horizon and
// returns how many were removed. Runs on a daily background tick.
func (w *Writer) SweepExpired() int {
	cutoff := w.now().AddDate(0, 0, -w.retentionDays).Format("2006-01-02")

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Logf("! access log: sweep: %v", err)
		return 0
	}

	n := 0
	for _, entry := range entries {
		m := logFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if m[2] < cutoff {
			if err := os.Remove(filepath.Join(w.dir, entry.Name())); err != nil {
				log.Logf("! access log: remove %s: %v", entry.Name(), err)
				continue
			}
			n++
		}
	}
	if n > 0 {
		log.Logf("- Access log sweep removed %d expired files", n)
	}
	return n
}

// secretPattern matches credential material that must never reach a log
// line: gateway secrets/tokens and Authorization header values.
var secretPattern = regexp.MustCompile(`(?i)(lr-[A-Za-z0-9_-]{8,}|bearer\s+\S+|code=[^&\s]+)`)

// redact strips credential material from the free-text fields.
func redact(e Entry) Entry {
	e.Method = redactString(e.Method)
	e.ErrorCode = redactString(e.ErrorCode)
	return e
}

func redactString(s string) string {
	if s == "" {
		return s
	}
	return secretPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(strings.ToLower(match), "bearer") {
			return "bearer [REDACTED]"
		}
		if strings.HasPrefix(match, "code=") {
			return "code=[REDACTED]"
		}
		return "[REDACTED]"
	})
}
