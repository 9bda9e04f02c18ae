package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/herald/internal/events"
	"github.com/mattjoyce/herald/internal/notify"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Targets       int    `json:"targets"`
}

type targetsMsg []notify.TargetInfo

type errMsg error

type streamClosedMsg struct{ lastID int64 }

type reconnectMsg struct{}

// Client talks to a herald API server.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func (c *Client) get(ctx context.Context, path string, lastID int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return resp, nil
}

// Stream reads server-sent events after lastID and passes each to emit until
// the connection drops. It returns the id of the last event seen.
func (c *Client) Stream(ctx context.Context, lastID int64, emit func(events.Event)) (int64, error) {
	resp, err := c.get(ctx, "/v1/events/stream", lastID)
	if err != nil {
		return lastID, err
	}
	defer resp.Body.Close()

	return readSSE(resp.Body, lastID, emit)
}

// readSSE parses frames whose data line is a JSON-encoded events.Event.
func readSSE(r io.Reader, lastID int64, emit func(events.Event)) (int64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			// id, event, keep-alive comments and frame separators
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.ID <= lastID {
			continue
		}
		emit(ev)
		lastID = ev.ID
	}
	return lastID, sc.Err()
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (healthMsg, error) {
	var h healthMsg
	resp, err := c.get(ctx, "/healthz", 0)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&h)
	return h, err
}

// Targets fetches /v1/targets.
func (c *Client) Targets(ctx context.Context) ([]notify.TargetInfo, error) {
	resp, err := c.get(ctx, "/v1/targets", 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body struct {
		Targets []notify.TargetInfo `json:"targets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Targets, nil
}

// --- Commands ---

func subscribe(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		last, _ := c.Stream(context.Background(), lastID, func(ev events.Event) { ch <- ev })
		return streamClosedMsg{lastID: last}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h, err := c.Health(ctx)
		if err != nil {
			return errMsg(err)
		}
		return h
	}
}

func fetchTargets(c *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ts, err := c.Targets(ctx)
		if err != nil {
			return errMsg(err)
		}
		return targetsMsg(ts)
	}
}
