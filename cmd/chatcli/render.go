package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mbeoliero/chatsync/sdk/chat"
	"github.com/mbeoliero/chatsync/sdk/store"
)

func displayName(c *chat.Chat, userId string) string {
	if userId == c.SelfId() {
		return "you"
	}
	if u, ok := c.Users.Get(userId); ok && u.Nickname != "" {
		return u.Nickname
	}
	return userId
}

func formatConversation(c *chat.Chat, conv *store.Conversation) string {
	var b strings.Builder
	if conv.UnreadCount > 0 {
		fmt.Fprintf(&b, "(%d) ", conv.UnreadCount)
	} else {
		b.WriteString("    ")
	}
	b.WriteString(conv.Title(c.SelfId()))
	if peer := conv.Peer(c.SelfId()); peer != "" && c.Users.Online(peer) {
		b.WriteString(" *")
	}
	if last := conv.LastMessage; last != nil {
		fmt.Fprintf(&b, "  %s: %s", displayName(c, last.SenderId), preview(last))
	}
	if !conv.LastActivityAt.IsZero() {
		fmt.Fprintf(&b, "  [%s]", humanize.Time(conv.LastActivityAt))
	}
	fmt.Fprintf(&b, "  <%s>", conv.Id)
	return b.String()
}

func preview(m *store.Message) string {
	if m.IsDeleted {
		return "message deleted"
	}
	switch m.Content.(type) {
	case store.File:
		return fmt.Sprintf("[%d file(s)] %s", len(m.Attachments()), m.Text())
	case store.Voice:
		return "[voice]"
	}
	text := m.Text()
	if len(text) > 40 {
		text = text[:40] + "..."
	}
	return text
}

func formatMessage(c *chat.Chat, m *store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: ", m.SendAt.Format(time.Kitchen), displayName(c, m.SenderId))

	switch content := m.Content.(type) {
	case nil:
		b.WriteString("(deleted)")
	case store.File:
		if content.Caption != "" {
			b.WriteString(content.Caption + " ")
		}
		for _, a := range content.Attachments {
			fmt.Fprintf(&b, "[%s %s] ", a.Name, humanize.Bytes(uint64(a.Size)))
		}
	case store.Voice:
		fmt.Fprintf(&b, "[voice %s, %s]", content.Duration.Round(time.Second), humanize.Bytes(uint64(content.Clip.Size)))
	case store.System:
		b.WriteString("* " + content.Text)
	default:
		b.WriteString(m.Text())
	}

	if m.IsEdited && !m.IsDeleted {
		b.WriteString(" (edited)")
	}
	if len(m.Reactions) > 0 {
		counts := make(map[string]int)
		for _, emoji := range m.Reactions {
			counts[emoji]++
		}
		b.WriteString(" ")
		for emoji, n := range counts {
			fmt.Fprintf(&b, "%s%d ", emoji, n)
		}
	}
	if m.SenderId == c.SelfId() {
		fmt.Fprintf(&b, " {%s}", m.Status)
	}
	if m.Id != "" {
		fmt.Fprintf(&b, " #%s", m.Id)
	} else {
		fmt.Fprintf(&b, " ~%s", m.ClientMsgId)
	}
	return b.String()
}
