package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/tidwall/gjson"
)

// connectFrame is the single line written to the bridge process's stdin
// immediately after it starts, carrying the Baileys-shaped connect
// options (§6: `default(options) -> Socket`).
type connectFrame struct {
	Auth    json.RawMessage `json:"auth"`
	Browser [3]string       `json:"browser"`
	Version [3]int          `json:"version"`
}

// inboundFrame is one newline-delimited JSON line read from the bridge
// process's stdout: `{"event": "...", "payload": {...}}`.
type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// outboundFrame is one newline-delimited JSON line written to the bridge
// process's stdin to invoke an operation on it.
type outboundFrame struct {
	Op      string       `json:"op"`
	JID     string       `json:"jid,omitempty"`
	Payload *SendPayload `json:"payload,omitempty"`
}

// NewProcessDialer returns a Dialer that execs command and speaks the §6
// Transport Driver contract over its stdio: one connect frame written on
// start, thereafter newline-delimited JSON event frames read from stdout
// and newline-delimited JSON op frames written to stdin. This is the
// concrete "opaque adapter" — it implements the wire shim to an external
// process, not the messenger protocol itself, which is assumed to live on
// the other end of the pipe.
func NewProcessDialer(command []string) Dialer {
	return func(ctx context.Context, opts ConnectOptions) (Socket, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("transport: bridge command is empty")
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("transport: open bridge stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("transport: open bridge stdout: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("transport: start bridge process: %w", err)
		}

		sock := &processSocket{
			cmd:       cmd,
			stdin:     stdin,
			listeners: make(map[string][]func(json.RawMessage)),
		}

		frame := connectFrame{Auth: opts.Auth, Browser: opts.Browser, Version: opts.Version}
		if err := sock.writeLine(frame); err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("transport: write connect frame: %w", err)
		}

		go sock.readLoop(stdout)

		return sock, nil
	}
}

type processSocket struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[string][]func(json.RawMessage)
	userID    string
	ended     bool
}

func (p *processSocket) On(event string, listener func(json.RawMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[event] = append(p.listeners[event], listener)
}

func (p *processSocket) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			// A malformed line from the bridge is dropped, not fatal —
			// the same "never fail the whole stream over one bad record"
			// posture the spec requires for upstream payloads.
			continue
		}

		if frame.Event == EventConnectionUpdate {
			if id := gjson.GetBytes(frame.Payload, "selfId").String(); id != "" {
				p.mu.Lock()
				p.userID = id
				p.mu.Unlock()
			}
		}

		p.dispatch(frame.Event, frame.Payload)
	}

	p.dispatch(EventConnectionUpdate, json.RawMessage(`{"connection":"close","lastDisconnect":{"error":{"message":"bridge process exited"}}}`))
}

func (p *processSocket) dispatch(event string, payload json.RawMessage) {
	p.mu.Lock()
	listeners := append([]func(json.RawMessage){}, p.listeners[event]...)
	p.mu.Unlock()
	for _, l := range listeners {
		l(payload)
	}
}

func (p *processSocket) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(data)
	return err
}

func (p *processSocket) SendMessage(_ context.Context, jid string, payload SendPayload) error {
	return p.writeLine(outboundFrame{Op: "sendMessage", JID: jid, Payload: &payload})
}

func (p *processSocket) End(_ error) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	p.mu.Unlock()

	_ = p.writeLine(outboundFrame{Op: "end"})
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *processSocket) Logout(_ context.Context) error {
	return p.writeLine(outboundFrame{Op: "logout"})
}

func (p *processSocket) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}
