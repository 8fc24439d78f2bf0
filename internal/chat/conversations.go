package chat

import (
	"sync"

	"github.com/creatorchat/internal/model"
)

// ConversationList is the list view model. Order is the order the backend
// returned; a new message only rewrites the room's preview.
type ConversationList struct {
	mu    sync.RWMutex
	items []model.Conversation
	index map[string]int
}

func NewConversationList() *ConversationList {
	return &ConversationList{index: make(map[string]int)}
}

// Replace swaps in a freshly fetched list. Duplicated room ids keep the first entry.
func (l *ConversationList) Replace(list []model.Conversation) {
	items := make([]model.Conversation, 0, len(list))
	index := make(map[string]int, len(list))
	for _, c := range list {
		if _, dup := index[c.RoomID]; dup || c.RoomID == "" {
			continue
		}
		index[c.RoomID] = len(items)
		items = append(items, c.Clone())
	}
	l.mu.Lock()
	l.items, l.index = items, index
	l.mu.Unlock()
}

// UpdatePreview overwrites the room's LastMessage. Unknown rooms are ignored.
func (l *ConversationList) UpdatePreview(roomID string, msg model.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[roomID]
	if !ok {
		return false
	}
	m := msg.Clone()
	l.items[i].LastMessage = &m
	return true
}

// Add appends a room the list does not know yet (deep link into a new conversation).
func (l *ConversationList) Add(c model.Conversation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[c.RoomID]; ok || c.RoomID == "" {
		return false
	}
	l.index[c.RoomID] = len(l.items)
	l.items = append(l.items, c.Clone())
	return true
}

// SetUnread sets the list badge; used when the room is opened and read.
func (l *ConversationList) SetUnread(roomID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[roomID]; ok {
		l.items[i].UnreadCount = n
	}
}

func (l *ConversationList) Get(roomID string) (model.Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[roomID]
	if !ok {
		return model.Conversation{}, false
	}
	return l.items[i].Clone(), true
}

// List returns a copy in list order.
func (l *ConversationList) List() []model.Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Conversation, len(l.items))
	for i := range l.items {
		out[i] = l.items[i].Clone()
	}
	return out
}
