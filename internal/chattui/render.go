package chattui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"github.com/tOgg1/coursechat/internal/chat"
	"github.com/tOgg1/coursechat/internal/models"
)

const (
	minListWidth = 24
	maxListWidth = 40
)

// View implements tea.Model.
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "loading…"
	}

	header := m.renderHeader()
	footer := m.renderFooter()
	bodyHeight := m.height - lipgloss.Height(header) - lipgloss.Height(footer)
	if bodyHeight < 3 {
		bodyHeight = 3
	}

	listWidth := m.width / 3
	if listWidth < minListWidth {
		listWidth = minListWidth
	}
	if listWidth > maxListWidth {
		listWidth = maxListWidth
	}
	chatWidth := m.width - listWidth
	if chatWidth < minListWidth {
		chatWidth = minListWidth
	}

	listStyle, chatStyle := m.st.idle, m.st.idle
	if m.focus == paneList {
		listStyle = m.st.active
	} else {
		chatStyle = m.st.active
	}

	// Borders take two columns and rows, padding two more columns.
	list := listStyle.Width(listWidth - 2).Height(bodyHeight - 2).
		Render(m.renderList(listWidth-4, bodyHeight-2))
	conv := chatStyle.Width(chatWidth - 2).Height(bodyHeight - 2).
		Render(m.renderChat(chatWidth-4, bodyHeight-2))

	body := lipgloss.JoinHorizontal(lipgloss.Top, list, conv)
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m *Model) renderHeader() string {
	sess := m.engine.Session()
	parts := []string{m.st.accent.Render("coursechat"), sess.DisplayName}
	if total := m.engine.Unread().Total(); total > 0 {
		parts = append(parts, m.st.badge.Render(fmt.Sprintf(" %d unread ", total)))
	} else if m.engine.Unread().Loaded() {
		parts = append(parts, m.st.muted.Render("all caught up"))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) renderFooter() string {
	prompt := m.st.muted.Render("> ")
	input := m.input
	if m.focus == paneChat {
		input += "█"
	}
	line := prompt + m.st.text.Render(input)

	hints := "tab switch · / search · enter open/send · r retry · x discard · q quit"
	if m.focus == paneChat {
		hints = "tab list · enter send · r retry · x discard (empty input) · esc back"
	}
	status := m.st.muted.Render(hints)
	if m.flash != "" {
		status = m.st.failed.Render(m.flash) + "  " + status
	}
	return line + "\n" + lipgloss.NewStyle().MaxWidth(m.width).Render(status)
}

func (m *Model) renderList(width, height int) string {
	var lines []string
	if m.searching || m.query != "" {
		cursor := ""
		if m.searching {
			cursor = "█"
		}
		lines = append(lines, m.st.accent.Render("/")+m.query+cursor)
	}

	convs := m.conversations()
	if len(convs) == 0 {
		if m.engine.List().Loaded() {
			lines = append(lines, m.st.muted.Render("no conversations"))
		} else {
			lines = append(lines, m.st.muted.Render("loading conversations…"))
		}
		return strings.Join(lines, "\n")
	}

	self := m.engine.Session().UserID
	openID := m.engine.Chat().OpenID()
	now := m.cfg.Now()

	// Each conversation takes two lines; keep the cursor visible.
	perPage := (height - len(lines)) / 2
	if perPage < 1 {
		perPage = 1
	}
	start := 0
	if m.cursor >= perPage {
		start = m.cursor - perPage + 1
	}

	for i := start; i < len(convs) && i < start+perPage; i++ {
		c := convs[i]
		marker := "  "
		if c.ID == openID {
			marker = m.st.accent.Render("▌ ")
		}

		badge := ""
		if c.UnreadCount > 0 {
			badge = " " + m.st.badge.Render(fmt.Sprintf(" %d ", c.UnreadCount))
		}
		titleWidth := width - 2 - lipgloss.Width(badge)
		title := runewidth.Truncate(c.Title(self), titleWidth, "…")
		if c.UnreadCount > 0 {
			title = m.st.text.Bold(true).Render(title)
		}
		first := marker + title + badge

		preview := ""
		if c.LastMessage != nil {
			preview = strings.ReplaceAll(c.LastMessage.Content, "\n", " ")
		}
		when := ""
		if at := c.LastActivity(); !at.IsZero() {
			when = humanize.RelTime(at, now, "ago", "from now")
		}
		previewWidth := width - 2 - runewidth.StringWidth(when) - 1
		second := "  " + m.st.muted.Render(runewidth.FillRight(runewidth.Truncate(preview, previewWidth, "…"), previewWidth)+" "+when)

		if i == m.cursor && m.focus == paneList {
			first = m.st.selected.Render(first)
		}
		lines = append(lines, first, second)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) renderChat(width, height int) string {
	ctrl := m.engine.Chat()
	openID := ctrl.OpenID()
	if openID == "" {
		return m.st.muted.Render("select a conversation and press enter")
	}

	self := m.engine.Session().UserID
	var head []string

	title := openID
	detail, hasDetail := ctrl.Conversation()
	if hasDetail {
		title = detail.Title(self)
		if detail.Course != nil && detail.Course.Title != "" {
			title += m.st.muted.Render(" · " + detail.Course.Title)
		}
		if detail.IsResolved {
			title += m.st.muted.Render(" · resolved")
		}
	}
	head = append(head, m.st.accent.Render(title)+m.presenceHint(detail, hasDetail))

	if banner := ctrl.Banner(); banner != "" {
		head = append(head, m.st.banner.Render(" "+runewidth.Truncate(banner, width-2, "…")+" "))
	}
	if ctrl.Status() == chat.StatusLoading {
		head = append(head, m.st.muted.Render("loading…"))
	}

	var body []string
	for _, msg := range ctrl.Messages() {
		body = append(body, m.renderMessage(msg, detail, width)...)
	}

	room := height - len(head)
	if room < 0 {
		room = 0
	}
	if len(body) > room {
		body = body[len(body)-room:]
	}
	return strings.Join(append(head, body...), "\n")
}

func (m *Model) presenceHint(detail models.Conversation, ok bool) string {
	if !ok {
		return ""
	}
	if m.isTyping(detail.ID) {
		return m.st.pending.Render("  typing…")
	}
	other, found := detail.Other(m.engine.Session().UserID)
	if found && m.engine.Chat().Presence().IsOnline(other.ID) {
		return m.st.online.Render("  ● online")
	}
	return ""
}

func (m *Model) renderMessage(msg models.Message, detail models.Conversation, width int) []string {
	self := m.engine.Session().UserID

	name := msg.SenderName
	nameStyle := m.st.other
	if msg.SenderID == self {
		name = "You"
		nameStyle = m.st.own
	} else if name == "" {
		name = msg.SenderID
		for _, p := range detail.Participants {
			if p.ID == msg.SenderID && p.Name != "" {
				name = p.Name
			}
		}
	}

	prefix := ""
	if m.cfg.ShowTimestamps {
		prefix = m.st.muted.Render(msg.CreatedAt.Local().Format("15:04")) + " "
	}

	suffix := ""
	switch {
	case msg.IsPending():
		suffix = " " + m.st.pending.Render("sending…")
	case msg.IsFailed():
		reason := "failed"
		if msg.FailureReason == models.FailureTimeout {
			reason = "not confirmed"
		}
		suffix = " " + m.st.failed.Render("✗ "+reason)
	}

	text := prefix + nameStyle.Render(name) + ": " + msg.Content + suffix
	wrapped := lipgloss.NewStyle().Width(width).Render(text)
	return strings.Split(wrapped, "\n")
}
