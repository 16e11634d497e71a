// Package chattui is the terminal front end for the conversation engine.
package chattui

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/inbox"
	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/transport"
)

// typingHint is how long a typing nudge stays visible.
const typingHint = 6 * time.Second

type pane int

const (
	paneList pane = iota
	paneChat
)

// Config tunes the TUI.
type Config struct {
	// Theme is the palette name (default, high-contrast).
	Theme string

	// ShowTimestamps prefixes messages with their time.
	ShowTimestamps bool

	// Conversation is opened on start when set.
	Conversation string

	// Now overrides the clock.
	Now func() time.Time
}

type changedMsg struct{}

type typingMsg struct {
	conversationID string
	at             time.Time
}

type selectedMsg struct {
	conversationID string
	err            error
}

type sentMsg struct {
	err error
}

// Model is the bubbletea model. It renders engine snapshots and never holds
// its own copy of conversation state.
type Model struct {
	ctx    context.Context
	engine *inbox.Engine
	cfg    Config
	st     styles

	subID  string
	events chan tea.Msg

	width  int
	height int

	focus     pane
	cursor    int
	searching bool
	query     string
	input     string
	flash     string

	typingUntil map[string]time.Time
}

// New builds a Model over a mounted engine. Close releases its subscription.
func New(ctx context.Context, engine *inbox.Engine, cfg Config) (*Model, error) {
	theme, err := ThemeByName(cfg.Theme)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Model{
		ctx:         ctx,
		engine:      engine,
		cfg:         cfg,
		st:          newStyles(theme),
		subID:       "chattui-" + uuid.NewString(),
		events:      make(chan tea.Msg, 64),
		typingUntil: make(map[string]time.Time),
	}
	if err := engine.Events().Subscribe(m.subID, events.Filter{}, m.onEvent); err != nil {
		return nil, err
	}
	return m, nil
}

// Close unsubscribes from engine events.
func (m *Model) Close() {
	_ = m.engine.Events().Unsubscribe(m.subID)
}

// Run starts the program and blocks until the user quits or ctx ends.
func Run(ctx context.Context, engine *inbox.Engine, cfg Config) error {
	m, err := New(ctx, engine, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	return err
}

// onEvent runs on publisher goroutines; it only forwards wake-ups.
func (m *Model) onEvent(ev *models.Event) {
	var msg tea.Msg = changedMsg{}
	if ev.Type == models.EventTypePushNudge {
		var payload models.NudgePayload
		if err := ev.DecodePayload(&payload); err == nil && payload.Kind == inbox.NudgeTyping {
			msg = typingMsg{conversationID: ev.EntityID, at: ev.Timestamp}
		}
	}
	select {
	case m.events <- msg:
	default:
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-m.events:
			return msg
		case <-m.ctx.Done():
			return nil
		}
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.waitForEvent()}
	if id := strings.TrimSpace(m.cfg.Conversation); id != "" {
		cmds = append(cmds, m.selectCmd(id))
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		return m, nil
	case changedMsg:
		m.clampCursor()
		return m, m.waitForEvent()
	case typingMsg:
		if typed.conversationID != "" {
			m.typingUntil[typed.conversationID] = typed.at.Add(typingHint)
		}
		return m, m.waitForEvent()
	case selectedMsg:
		if typed.err != nil {
			m.flash = transport.UserMessage(typed.err)
		} else {
			m.flash = ""
			m.focus = paneChat
		}
		return m, nil
	case sentMsg:
		if typed.err != nil {
			m.flash = "send failed: " + transport.UserMessage(typed.err)
		}
		return m, nil
	case tea.KeyMsg:
		return m, m.handleKey(typed)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.Type == tea.KeyCtrlC {
		return tea.Quit
	}
	if m.searching {
		return m.handleSearchKey(msg)
	}
	if msg.Type == tea.KeyTab {
		m.toggleFocus()
		return nil
	}
	if m.focus == paneChat {
		return m.handleChatKey(msg)
	}
	return m.handleListKey(msg)
}

func (m *Model) handleListKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q":
		return tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.conversations())-1 {
			m.cursor++
		}
	case "/":
		m.searching = true
	case "esc":
		m.query = ""
		m.cursor = 0
	case "enter":
		convs := m.conversations()
		if m.cursor < len(convs) {
			return m.selectCmd(convs[m.cursor].ID)
		}
	case "r", "x":
		return m.handleFailedKey(msg.String())
	}
	return nil
}

func (m *Model) handleSearchKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEnter:
		m.searching = false
	case tea.KeyEsc:
		m.searching = false
		m.query = ""
	case tea.KeyBackspace:
		m.query = dropLastRune(m.query)
	case tea.KeySpace:
		m.query += " "
	case tea.KeyRunes:
		m.query += string(msg.Runes)
	}
	m.cursor = 0
	return nil
}

func (m *Model) handleChatKey(msg tea.KeyMsg) tea.Cmd {
	chat := m.engine.Chat()
	switch msg.Type {
	case tea.KeyEnter:
		content := strings.TrimSpace(m.input)
		if content == "" || chat.OpenID() == "" {
			return nil
		}
		m.input = ""
		chat.SetTyping(false)
		return m.sendCmd(content)
	case tea.KeyEsc:
		if chat.Banner() != "" {
			chat.DismissBanner()
			return nil
		}
		m.focus = paneList
		return nil
	case tea.KeyBackspace:
		m.input = dropLastRune(m.input)
		if m.input == "" {
			chat.SetTyping(false)
		}
		return nil
	case tea.KeySpace:
		m.appendInput(" ")
		return nil
	case tea.KeyRunes:
		key := string(msg.Runes)
		if m.input == "" && (key == "r" || key == "x") {
			if cmd, ok := m.failedAction(key); ok {
				return cmd
			}
		}
		m.appendInput(key)
	}
	return nil
}

func (m *Model) appendInput(s string) {
	if m.engine.Chat().OpenID() == "" {
		return
	}
	m.input += s
	m.engine.Chat().SetTyping(true)
}

// handleFailedKey applies r or x from the list pane.
func (m *Model) handleFailedKey(key string) tea.Cmd {
	cmd, _ := m.failedAction(key)
	return cmd
}

// failedAction retries (r) or discards (x) the newest failed message. ok is
// false when the open conversation has none.
func (m *Model) failedAction(key string) (tea.Cmd, bool) {
	failed, ok := lastFailed(m.engine.Chat().Messages())
	if !ok {
		return nil, false
	}
	if key == "x" {
		if err := m.engine.Chat().Discard(failed.ID); err != nil {
			m.flash = err.Error()
		}
		return nil, true
	}
	ctx := m.ctx
	chat := m.engine.Chat()
	return func() tea.Msg {
		_, err := chat.Retry(ctx, failed.ID)
		return sentMsg{err: err}
	}, true
}

func (m *Model) selectCmd(conversationID string) tea.Cmd {
	ctx := m.ctx
	engine := m.engine
	return func() tea.Msg {
		// Selection needs the list; the first poll may still be in flight.
		if !engine.List().Loaded() {
			if err := engine.List().Refresh(ctx); err != nil {
				return selectedMsg{conversationID: conversationID, err: err}
			}
		}
		return selectedMsg{conversationID: conversationID, err: engine.Select(ctx, conversationID)}
	}
}

func (m *Model) sendCmd(content string) tea.Cmd {
	ctx := m.ctx
	chat := m.engine.Chat()
	return func() tea.Msg {
		_, err := chat.Send(ctx, content)
		return sentMsg{err: err}
	}
}

func (m *Model) toggleFocus() {
	if m.focus == paneList {
		if m.engine.Chat().OpenID() != "" {
			m.focus = paneChat
		}
		return
	}
	m.focus = paneList
}

func (m *Model) conversations() []models.Conversation {
	if q := strings.TrimSpace(m.query); q != "" {
		return m.engine.List().Search(q)
	}
	return m.engine.List().Conversations()
}

func (m *Model) clampCursor() {
	if n := len(m.conversations()); m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) isTyping(conversationID string) bool {
	until, ok := m.typingUntil[conversationID]
	return ok && m.cfg.Now().Before(until)
}

func lastFailed(msgs []models.Message) (models.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsFailed() {
			return msgs[i], true
		}
	}
	return models.Message{}, false
}

func dropLastRune(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	return string(r[:len(r)-1])
}
