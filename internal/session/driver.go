// Package session drives an agent subprocess through the turns needed to deliver
// one notification: initialize, create or reuse a session, an optional system
// prompt and the content prompt.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/process"
	"github.com/mattjoyce/herald/internal/rpc"
	"github.com/mattjoyce/herald/internal/workitem"
)

// ProtocolVersion is the agent protocol version sent in initialize.
const ProtocolVersion = 1

// ClientName identifies herald to agents.
const ClientName = "herald"

// Agent methods.
const (
	MethodInitialize = "initialize"
	MethodNewSession = "session/new"
	MethodPrompt     = "session/prompt"
	MethodUpdate     = "session/update"
)

// ErrNoSessionID is returned when session/new answers without a sessionId.
var ErrNoSessionID = errors.New("session/new returned no sessionId")

// Phase is how far a delivery progressed.
type Phase int

const (
	Start Phase = iota
	Initialized
	SessionReady
	SystemPromptSent
	Delivered
	Failed
)

func (p Phase) String() string {
	switch p {
	case Start:
		return "start"
	case Initialized:
		return "initialized"
	case SessionReady:
		return "session_ready"
	case SystemPromptSent:
		return "system_prompt_sent"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Report describes one delivery attempt.
type Report struct {
	Phase Phase
	// Reached is the last phase completed before a failure.
	Reached    Phase
	SessionID  string
	Created    bool
	StopReason string
	Requests   int
}

// Driver delivers work items to agent targets. A Driver is safe for concurrent use.
type Driver struct {
	registry *process.Registry
	version  string
	logger   *slog.Logger
}

// NewDriver creates a driver that obtains agent subprocesses from registry.
func NewDriver(registry *process.Registry, version string) *Driver {
	if version == "" {
		version = "dev"
	}
	return &Driver{
		registry: registry,
		version:  version,
		logger:   log.WithComponent("session"),
	}
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion    int            `json:"protocolVersion"`
	ClientInfo         clientInfo     `json:"clientInfo"`
	ClientCapabilities map[string]any `json:"clientCapabilities"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

// Deliver runs the turn sequence for items against target. On failure the
// returned Report has Phase Failed and no further turns are attempted.
func (d *Driver) Deliver(ctx context.Context, items []workitem.Item, target *config.Target) (Report, error) {
	rep := Report{Phase: Start}
	logger := d.logger.With("target", target.Name)

	fail := func(err error) (Report, error) {
		rep.Reached = rep.Phase
		rep.Phase = Failed
		logger.Warn("delivery failed", "reached", rep.Reached.String(), "error", err)
		return rep, err
	}

	h, err := d.registry.Ensure(ctx, processOptions(target))
	if err != nil {
		return fail(err)
	}
	timeout := target.CallTimeout()

	call := func(method string, params, out any, timeout time.Duration) error {
		rep.Requests++
		raw, err := h.Call(ctx, method, params, timeout)
		if err != nil {
			return err
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}

	caps := target.Capabilities
	if caps == nil {
		caps = map[string]any{}
	}
	err = call(MethodInitialize, initializeParams{
		ProtocolVersion:    ProtocolVersion,
		ClientInfo:         clientInfo{Name: ClientName, Version: d.version},
		ClientCapabilities: caps,
	}, nil, timeout)
	if err != nil {
		return fail(err)
	}
	rep.Phase = Initialized

	sessionID := target.CurrentSession()
	if sessionID == "" {
		var res newSessionResult
		err := call(MethodNewSession, newSessionParams{Cwd: h.Key().Dir, McpServers: []any{}}, &res, timeout)
		if err != nil {
			return fail(err)
		}
		if res.SessionID == "" {
			return fail(ErrNoSessionID)
		}
		sessionID = res.SessionID
		target.AdoptSession(sessionID)
		rep.Created = true
		logger.Info("agent session created", "session_id", sessionID)
	}
	rep.SessionID = sessionID
	rep.Phase = SessionReady

	if target.SystemPrompt != "" {
		if err := call(MethodPrompt, textPrompt(sessionID, target.SystemPrompt), nil, timeout); err != nil {
			return fail(err)
		}
		rep.Phase = SystemPromptSent
	}

	var res promptResult
	if err := call(MethodPrompt, textPrompt(sessionID, Render(items)), &res, target.TurnTimeout()); err != nil {
		return fail(err)
	}
	rep.StopReason = res.StopReason
	rep.Phase = Delivered
	logger.Info("notification delivered",
		"session_id", sessionID,
		"items", len(items),
		"stop_reason", res.StopReason,
		"requests", rep.Requests,
	)
	return rep, nil
}

func textPrompt(sessionID, text string) promptParams {
	return promptParams{
		SessionID: sessionID,
		Prompt:    []contentBlock{{Type: "text", Text: text}},
	}
}

// processOptions maps an agent target to registry options. Env entries are
// sorted so the subprocess sees a stable environment.
func processOptions(t *config.Target) process.Options {
	opts := process.Options{
		Command: t.Command,
		Dir:     t.Dir,
		Debug:   t.Debug,
	}
	if t.OnNotification != nil {
		opts.OnNotification = rpc.NotificationFunc(t.OnNotification)
	}
	if len(t.Env) > 0 {
		keys := make([]string, 0, len(t.Env))
		for k := range t.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			opts.Env = append(opts.Env, k+"="+t.Env[k])
		}
	}
	return opts
}
