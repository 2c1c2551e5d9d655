package accesslog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestWriteAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 30)
	require.NoError(t, err)
	defer w.Close()

	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	w.Write(Entry{Timestamp: at, Direction: DirectionMCP, ClientID: "lr-abc", TargetServer: "fs", Method: "tools/list", Status: 200, LatencyMS: 12})
	w.Write(Entry{Timestamp: at, Direction: DirectionMCP, ClientID: "lr-abc", TargetServer: "gh", Method: "tools/call", Status: 200, LatencyMS: 80})
	w.Write(Entry{Timestamp: at, Direction: DirectionLLM, ClientID: "lr-abc", Provider: "openai", Model: "gpt-4o", Method: "chat.completions", Status: 200, LatencyMS: 900})

	mcp := readEntries(t, filepath.Join(dir, "localrouter-mcp-2026-08-01.log"))
	require.Len(t, mcp, 2)
	assert.Equal(t, "fs", mcp[0].TargetServer)

	llm := readEntries(t, filepath.Join(dir, "localrouter-llm-2026-08-01.log"))
	require.Len(t, llm, 1)
	assert.Equal(t, "gpt-4o", llm[0].Model)
}

func TestDailyRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 30)
	require.NoError(t, err)
	defer w.Close()

	day1 := time.Date(2026, 8, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 2, 0, 1, 0, 0, time.UTC)
	w.Write(Entry{Timestamp: day1, Direction: DirectionMCP, ClientID: "c", Method: "ping", Status: 200})
	w.Write(Entry{Timestamp: day2, Direction: DirectionMCP, ClientID: "c", Method: "ping", Status: 200})

	assert.FileExists(t, filepath.Join(dir, "localrouter-mcp-2026-08-01.log"))
	assert.FileExists(t, filepath.Join(dir, "localrouter-mcp-2026-08-02.log"))
}

func TestSweepExpired(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 7)
	require.NoError(t, err)
	defer w.Close()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	for _, name := range []string{
		"localrouter-mcp-2026-07-01.log", // expired
		"localrouter-llm-2026-07-30.log", // kept
		"unrelated.txt",                  // ignored
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o644))
	}

	assert.Equal(t, 1, w.SweepExpired())
	assert.NoFileExists(t, filepath.Join(dir, "localrouter-mcp-2026-07-01.log"))
	assert.FileExists(t, filepath.Join(dir, "localrouter-llm-2026-07-30.log"))
	assert.FileExists(t, filepath.Join(dir, "unrelated.txt"))
}

func TestRedaction(t *testing.T) {
	e := redact(Entry{
		Method:    "auth with Bearer lr-supersecrettoken123",
		ErrorCode: "exchange failed: code=4/abc123&state=x",
	})
	assert.NotContains(t, e.Method, "lr-supersecrettoken123")
	assert.NotContains(t, e.ErrorCode, "4/abc123")
	assert.Contains(t, e.ErrorCode, "code=[REDACTED]")
}
