package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
)

// StdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdin/stdout.
type StdioTransport struct {
	*base

	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
}

// NewStdio spawns command with args and env (in addition to the parent's
// own environment) and starts the reader loop.
func NewStdio(ctx context.Context, command string, args []string, env []string) (*StdioTransport, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(cmd.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio transport: spawn %s: %w", command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	t := &StdioTransport{
		base:   newBase(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: scanner,
	}

	go t.logStderr(stderr)
	go t.readLoop()
	go t.awaitExit()

	return t, nil
}

func (t *StdioTransport) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Logf("[backend stderr] %s", scanner.Text())
	}
}

func (t *StdioTransport) awaitExit() {
	_ = t.cmd.Wait()
	t.base.drain()
}

func (t *StdioTransport) readLoop() {
	for t.stdout.Scan() {
		line := t.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg jsonrpc.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Logf("! stdio transport: malformed frame, dropping: %v", err)
			continue
		}
		t.dispatch(&msg)
	}
	t.base.drain()
}

func (t *StdioTransport) dispatch(msg *jsonrpc.Message) {
	isResponse, isNotification := classify(msg)
	switch {
	case isResponse:
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			log.Logf("! stdio transport: response with non-numeric local id, dropping")
			return
		}
		t.base.fulfill(id, msg)
	case isNotification:
		t.base.notify(msg)
	default:
		// Backend-initiated request (sampling, elicitation, roots/list).
		t.base.handleBackendRequest(context.Background(), msg, func(resp *jsonrpc.Message) {
			_ = t.writeFrame(resp)
		})
	}
}

func (t *StdioTransport) writeFrame(msg *jsonrpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(data)
	return err
}

func (t *StdioTransport) SendRequest(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	if !t.IsHealthy() {
		return nil, ErrTransportClosed
	}

	localID, slot := t.base.register(req.ID)
	idBytes, _ := json.Marshal(localID)
	outgoing := req.Clone()
	outgoing.ID = idBytes

	if err := t.writeFrame(outgoing); err != nil {
		t.base.unregister(localID)
		return nil, fmt.Errorf("stdio transport: write: %w", err)
	}

	return waitForSlot(ctx, localID, t.base, slot)
}

func (t *StdioTransport) Close() error {
	t.base.drain()
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}
