package stream

import (
	"slices"
	"sync"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Transcript is the visible message list of the focused conversation. Optimistic entries are replaced by
// id and never merged field by field; a reload from the server replaces the whole list.
type Transcript struct {
	mu       sync.RWMutex
	chatID   string
	messages []models.Message
}

// ChatID returns the conversation the transcript belongs to.
func (t *Transcript) ChatID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chatID
}

// Reset replaces the transcript with the authoritative messages of chatID.
func (t *Transcript) Reset(chatID string, messages []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.chatID = chatID
	t.messages = slices.Clone(messages)
}

// Upsert replaces the message with the same id, or appends it.
func (t *Transcript) Upsert(chatID string, msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.chatID != chatID {
		return false
	}
	if i := slices.IndexFunc(t.messages, func(m models.Message) bool { return m.ID == msg.ID }); i >= 0 {
		t.messages[i] = msg
		return true
	}
	t.messages = append(t.messages, msg)
	return true
}

// Has reports whether a message with the given id is present.
func (t *Transcript) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.ContainsFunc(t.messages, func(m models.Message) bool { return m.ID == id })
}

// Messages returns a copy of the list.
func (t *Transcript) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// ChatList is the list of known conversations shown next to the transcript, newest first.
type ChatList struct {
	mu    sync.RWMutex
	chats []models.Chat
}

// Set replaces the whole list.
func (l *ChatList) Set(chats []models.Chat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chats = slices.Clone(chats)
}

// Upsert replaces the chat with the same id, or prepends it.
func (l *ChatList) Upsert(chat models.Chat) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i := slices.IndexFunc(l.chats, func(c models.Chat) bool { return c.ID == chat.ID }); i >= 0 {
		l.chats[i] = chat
		return
	}
	l.chats = slices.Insert(l.chats, 0, chat)
}

// Rename sets the title of a known chat. It reports whether the chat was found.
func (l *ChatList) Rename(chatID, title string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.IndexFunc(l.chats, func(c models.Chat) bool { return c.ID == chatID })
	if i < 0 {
		return false
	}
	l.chats[i].Title = title
	return true
}

// Get returns the chat with the given id.
func (l *ChatList) Get(chatID string) (models.Chat, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := slices.IndexFunc(l.chats, func(c models.Chat) bool { return c.ID == chatID })
	if i < 0 {
		return models.Chat{}, false
	}
	return l.chats[i], true
}

// Chats returns a copy of the list.
func (l *ChatList) Chats() []models.Chat {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.chats)
}

// Totals is the cumulative accounting of a conversation.
type Totals struct {
	Usage models.Usage
	Cost  float64
	Turns int
	Model string
}

// TotalsOf computes the accounting of persisted messages.
func TotalsOf(messages []models.Message) Totals {
	var t Totals
	for _, m := range messages {
		if m.Role != models.RoleAssistant {
			continue
		}
		t.Usage = t.Usage.Add(models.Usage{
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			TotalTokens:      m.PromptTokens + m.CompletionTokens,
		})
		t.Cost += m.Cost
		t.Turns++
		if m.Model != "" {
			t.Model = m.Model
		}
	}
	return t
}

func (t Totals) add(eff Effects) Totals {
	if eff.Usage != nil {
		t.Usage = t.Usage.Add(*eff.Usage)
	}
	if eff.Cost != nil {
		t.Cost += *eff.Cost
	}
	if eff.Model != "" {
		t.Model = eff.Model
	}
	t.Turns++
	return t
}
