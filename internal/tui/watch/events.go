package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/herald/internal/events"
)

// maxEventLog is the number of events kept for the stream panel.
const maxEventLog = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.NotifyCompleted:
		typeStyle = theme.StatusOK
		if !eventSucceeded(e) {
			typeStyle = theme.StatusFailed
		}
	case events.NotifyStarted:
		typeStyle = theme.StatusRunning
	case events.SessionUpdate:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-18s", e.Type))
	return fmt.Sprintf("%s %s %-16s %s", ts, typeName, truncate(e.Target, 16), eventSummary(e))
}

func eventSucceeded(e events.Event) bool {
	var d completedData
	_ = json.Unmarshal(e.Data, &d)
	return d.Success
}

func eventSummary(e events.Event) string {
	switch e.Type {
	case events.NotifyStarted:
		var d struct {
			Items int `json:"items"`
		}
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%d item(s)", d.Items)
	case events.NotifyCompleted:
		var d completedData
		_ = json.Unmarshal(e.Data, &d)
		if d.Success {
			return fmt.Sprintf("delivered in %dms", d.DurationMS)
		}
		return "failed: " + d.Error
	case events.SessionUpdate:
		var d updateData
		_ = json.Unmarshal(e.Data, &d)
		return d.Params.Update.Kind
	}
	return ""
}
