package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/herald/internal/events"
	"github.com/mattjoyce/herald/internal/notify"
)

// TargetState is what the watch view knows about one notification target.
type TargetState struct {
	Name      string
	Type      string
	SessionID string

	InFlight   int
	Delivered  int
	Failed     int
	Updates    int
	LastItems  int
	LastError  string
	LastAt     time.Time
	LastTook   time.Duration
	LastUpdate string
}

// Status summarizes the most recent delivery.
func (t *TargetState) Status() string {
	switch {
	case t.InFlight > 0:
		return "sending"
	case t.LastAt.IsZero():
		return "idle"
	case t.LastError != "":
		return "failed"
	default:
		return "ok"
	}
}

type completedData struct {
	Items      int    `json:"items"`
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

type updateData struct {
	Method string `json:"method"`
	Params struct {
		SessionID string `json:"sessionId"`
		Update    struct {
			Kind string `json:"sessionUpdate"`
		} `json:"update"`
	} `json:"params"`
}

func targetFor(targets map[string]*TargetState, name string) *TargetState {
	ts, ok := targets[name]
	if !ok {
		ts = &TargetState{Name: name}
		targets[name] = ts
	}
	return ts
}

// seedTargets merges the configured target list into the tracked state.
func seedTargets(targets map[string]*TargetState, infos []notify.TargetInfo) {
	for _, info := range infos {
		ts := targetFor(targets, info.Name)
		ts.Type = info.Type
		if info.SessionID != "" {
			ts.SessionID = info.SessionID
		}
	}
}

// updateTargetState folds one hub event into the target table.
func updateTargetState(targets map[string]*TargetState, e events.Event) {
	if e.Target == "" {
		return
	}
	ts := targetFor(targets, e.Target)

	switch e.Type {
	case events.NotifyStarted:
		ts.InFlight++

	case events.NotifyCompleted:
		if ts.InFlight > 0 {
			ts.InFlight--
		}
		var d completedData
		_ = json.Unmarshal(e.Data, &d)
		ts.LastItems = d.Items
		ts.LastAt = e.At
		ts.LastTook = time.Duration(d.DurationMS) * time.Millisecond
		if d.Success {
			ts.Delivered++
			ts.LastError = ""
		} else {
			ts.Failed++
			ts.LastError = d.Error
		}

	case events.SessionUpdate:
		var d updateData
		_ = json.Unmarshal(e.Data, &d)
		ts.Updates++
		if d.Params.SessionID != "" {
			ts.SessionID = d.Params.SessionID
		}
		ts.LastUpdate = d.Params.Update.Kind
	}
}

func sortedTargets(targets map[string]*TargetState) []*TargetState {
	out := make([]*TargetState, 0, len(targets))
	for _, ts := range targets {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func renderTargets(targets map[string]*TargetState, selected int, spin string, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("TARGETS")

	list := sortedTargets(targets)
	if len(list) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No targets configured"),
		))
	}

	header := theme.Header.Render(fmt.Sprintf("  %-16s %-6s %-8s %5s %5s %7s  %s",
		"NAME", "TYPE", "STATUS", "OK", "FAIL", "UPDATES", "LAST"))
	lines := []string{header}
	for i, ts := range list {
		cursor := "  "
		if i == selected {
			cursor = theme.Highlight.Render("> ")
		}
		lines = append(lines, cursor+formatTarget(ts, spin, theme))
	}

	if selected >= 0 && selected < len(list) {
		lines = append(lines, "", renderTargetDetail(list[selected], theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		title,
		strings.Join(lines, "\n"),
	))
}

func formatTarget(ts *TargetState, spin string, theme Theme) string {
	status := fmt.Sprintf("%-8s", ts.Status())
	switch ts.Status() {
	case "sending":
		status = theme.StatusRunning.Render(status) + spin
	case "failed":
		status = theme.StatusFailed.Render(status)
	case "ok":
		status = theme.StatusOK.Render(status)
	default:
		status = theme.Dim.Render(status)
	}

	last := "never"
	if !ts.LastAt.IsZero() {
		last = fmt.Sprintf("%s (%d items, %s)", ts.LastAt.Format("15:04:05"), ts.LastItems, ts.LastTook.Round(time.Millisecond))
	}

	return fmt.Sprintf("%-16s %-6s %s %5d %5d %7d  %s",
		truncate(ts.Name, 16), ts.Type, status, ts.Delivered, ts.Failed, ts.Updates, last)
}

func renderTargetDetail(ts *TargetState, theme Theme) string {
	session := ts.SessionID
	if session == "" {
		session = "-"
	}
	lines := []string{theme.Dim.Render("  session: ") + session}
	if ts.LastUpdate != "" {
		lines = append(lines, theme.Dim.Render("  last update: ")+ts.LastUpdate)
	}
	if ts.LastError != "" {
		lines = append(lines, theme.StatusFailed.Render("  error: "+ts.LastError))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
