// Package agenttest provides a scriptable JSON-RPC agent for tests.
//
// Tests re-exec their own binary as the agent subprocess:
//
//	func TestMain(m *testing.M) {
//		if os.Getenv(agenttest.EnvWant) == "1" {
//			os.Exit(agenttest.Main(os.Stdin, os.Stdout, os.Stderr))
//		}
//		os.Exit(m.Run())
//	}
//
// and spawn it with agenttest.Command() plus agenttest.Env(...).
package agenttest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Environment variables read by Main.
const (
	EnvWant = "HERALD_WANT_HELPER_PROCESS"
	EnvMode = "HERALD_STUB_MODE"
	EnvLog  = "HERALD_STUB_LOG"
)

// Modes understood by Main.
const (
	// ModeOK answers every turn successfully.
	ModeOK = "ok"
	// ModeSilentInit never answers initialize.
	ModeSilentInit = "silent-init"
	// ModeRejectNew answers session/new with an RPC error.
	ModeRejectNew = "reject-new"
	// ModeExitOnPrompt exits without answering session/prompt.
	ModeExitOnPrompt = "exit-on-prompt"
	// ModeReverse holds each response until the next request arrives and then
	// answers both in reverse order.
	ModeReverse = "reverse"
	// ModeCloseStdoutOnPrompt closes stdout on session/prompt and keeps running
	// until stdin reaches EOF.
	ModeCloseStdoutOnPrompt = "close-stdout-on-prompt"
)

// SessionID is returned by session/new.
const SessionID = "stub-session-1"

// Command returns the command string that re-execs the test binary as the stub.
// The run filter keeps the binary from running tests should EnvWant be lost.
func Command() string {
	return os.Args[0] + " -test.run=^$"
}

// Env returns the environment entries selecting mode and request log.
func Env(mode, logPath string) []string {
	return []string{EnvWant + "=1", EnvMode + "=" + mode, EnvLog + "=" + logPath}
}

// Requests reads the methods the stub logged, in arrival order.
func Requests(logPath string) ([]string, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

type request struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type stub struct {
	out     io.Writer
	mu      sync.Mutex
	logPath string
	mode    string
	held    []map[string]any
}

// Main runs the stub until in reaches EOF and returns the exit code.
func Main(in io.Reader, out, errOut io.Writer) int {
	s := &stub{out: out, logPath: os.Getenv(EnvLog), mode: os.Getenv(EnvMode)}
	if s.mode == "" {
		s.mode = ModeOK
	}

	fmt.Fprintln(errOut, "INFO stub agent starting")
	// Non-JSON chatter on stdout must be tolerated by the client.
	fmt.Fprintln(out, "stub agent ready")

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		var req request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil || req.ID == nil || req.Method == "" {
			continue
		}
		s.record(req.Method)
		if code, exit := s.handle(*req.ID, req); exit {
			return code
		}
	}
	return 0
}

func (s *stub) handle(id int64, req request) (int, bool) {
	switch req.Method {
	case "initialize":
		if s.mode == ModeSilentInit {
			return 0, false
		}
		s.reply(id, map[string]any{
			"protocolVersion":   1,
			"agentCapabilities": map[string]any{"loadSession": false},
		})
	case "session/new":
		if s.mode == ModeRejectNew {
			s.fail(id, -32000, "session refused")
			return 0, false
		}
		s.reply(id, map[string]any{"sessionId": SessionID})
	case "session/prompt":
		if s.mode == ModeExitOnPrompt {
			return 3, true
		}
		if s.mode == ModeCloseStdoutOnPrompt {
			if c, ok := s.out.(io.Closer); ok {
				_ = c.Close()
			}
			return 0, false
		}
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		s.write(map[string]any{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params": map[string]any{
				"sessionId": p.SessionID,
				"update": map[string]any{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]any{"type": "text", "text": "ack"},
				},
			},
		})
		s.reply(id, map[string]any{"stopReason": "end_turn"})
	case "echo":
		// Used by correlation tests: the result is the params.
		s.reply(id, req.Params)
	default:
		s.fail(id, -32601, "method not found: "+req.Method)
	}
	return 0, false
}

func (s *stub) reply(id int64, result any) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *stub) fail(id int64, code int, msg string) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": msg}})
}

func (s *stub) send(msg map[string]any) {
	if s.mode != ModeReverse {
		s.write(msg)
		return
	}
	s.held = append(s.held, msg)
	if len(s.held) < 2 {
		return
	}
	for i := len(s.held) - 1; i >= 0; i-- {
		s.write(s.held[i])
		// Give the client a chance to read them as separate chunks.
		time.Sleep(5 * time.Millisecond)
	}
	s.held = nil
}

func (s *stub) write(msg map[string]any) {
	data, _ := json.Marshal(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(append(data, '\n'))
}

func (s *stub) record(method string) {
	if s.logPath == "" {
		return
	}
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, method)
}
