package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/herald/internal/events"
)

const (
	healthInterval = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health   HealthState
	targets  map[string]*TargetState
	eventLog []events.Event
	lastID   int64

	spinner  spinner.Model
	theme    Theme
	selected int

	hubEvents chan events.Event

	lastError string
}

// New creates a watch model reading from the herald API at apiURL.
func New(apiURL, apiKey string) Model {
	return Model{
		client:    &Client{BaseURL: apiURL, APIKey: apiKey},
		targets:   make(map[string]*TargetState),
		hubEvents: make(chan events.Event, 100),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchTargets(m.client),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.targets)-1 {
				m.selected++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		updateTargetState(m.targets, e)

		m.health.Connected = true
		m.health.LastEvent = time.Now()
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case targetsMsg:
		seedTargets(m.targets, msg)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Targets = msg.Targets
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, m.pollHealth()

	case streamClosedMsg:
		if msg.lastID > m.lastID {
			m.lastID = msg.lastID
		}
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the channel the new
		// subscription writes to.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.pollHealth()
	}

	return m, nil
}

func (m Model) pollHealth() tea.Cmd {
	c := m.client
	return tea.Tick(healthInterval, func(time.Time) tea.Msg {
		return fetchHealth(c)()
	})
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to herald..."
	}

	spin := m.spinner.View()
	header := renderHeader(m.health, spin, m.theme, m.width)
	targets := renderTargets(m.targets, m.selected, spin, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, targets, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select target"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// Run starts the watch TUI and blocks until the user quits.
func Run(apiURL, apiKey string) error {
	p := tea.NewProgram(New(apiURL, apiKey), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
