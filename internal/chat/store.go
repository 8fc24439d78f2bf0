package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/creatorchat/internal/model"
)

var (
	// ErrUnknownMessage: в сторе нет сообщения с таким clientKey.
	ErrUnknownMessage = errors.New("chat: unknown message")
	// ErrNotFailed: retry/discard разрешены только для неотправленных сообщений.
	ErrNotFailed = errors.New("chat: message is not in failed state")
)

// Store holds the messages of one conversation in insertion order.
// Insertion order is the render order: entries are never re-sorted by CreatedAt,
// and a pending entry keeps its position when the server copy replaces it.
//
// Confirmed entries are unique by server ID; unconfirmed ones by ClientKey.
type Store struct {
	mu        sync.RWMutex
	roomID    string
	msgs      []model.Message
	confirmed map[int64]int
	pending   map[string]int
}

func NewStore(roomID string) *Store {
	return &Store{
		roomID:    roomID,
		confirmed: make(map[int64]int),
		pending:   make(map[string]int),
	}
}

func (s *Store) RoomID() string { return s.roomID }

// Append adds msg at the end unless an entry with the same resolved identity exists.
func (s *Store) Append(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

func (s *Store) appendLocked(msg model.Message) bool {
	if s.existsLocked(&msg) {
		return false
	}
	s.msgs = append(s.msgs, msg.Clone())
	s.indexLocked(len(s.msgs) - 1)
	return true
}

func (s *Store) existsLocked(msg *model.Message) bool {
	if msg.Status == model.StatusConfirmed {
		_, ok := s.confirmed[msg.ID]
		return ok
	}
	if msg.ClientKey == "" {
		return false
	}
	_, ok := s.pending[msg.ClientKey]
	return ok
}

func (s *Store) indexLocked(i int) {
	m := &s.msgs[i]
	if m.Status == model.StatusConfirmed {
		s.confirmed[m.ID] = i
		return
	}
	if m.ClientKey != "" {
		s.pending[m.ClientKey] = i
	}
}

func (s *Store) reindexLocked() {
	s.confirmed = make(map[int64]int, len(s.msgs))
	s.pending = make(map[string]int)
	for i := range s.msgs {
		s.indexLocked(i)
	}
}

// ReconcileOptimistic applies the server copy of an own message. It replaces
// the matching unconfirmed entry in place, or appends when none matches.
// The returned index is where the message ended up; -1 if it was a duplicate.
func (s *Store) ReconcileOptimistic(server model.Message) (index int, replaced bool) {
	server.Status = model.StatusConfirmed
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.confirmed[server.ID]; dup {
		return -1, false
	}
	i := s.matchLocked(&server)
	if i < 0 {
		if !s.appendLocked(server) {
			return -1, false
		}
		return len(s.msgs) - 1, false
	}

	s.replaceLocked(i, server)
	return i, true
}

// replaceLocked puts the confirmed server copy at index i, where the unconfirmed entry was.
func (s *Store) replaceLocked(i int, server model.Message) {
	old := s.msgs[i]
	delete(s.pending, old.ClientKey)
	if server.ClientKey == "" {
		server.ClientKey = old.ClientKey
	}
	if old.IsRead {
		server.IsRead = true
	}
	s.msgs[i] = server.Clone()
	s.confirmed[server.ID] = i
}

// matchLocked finds the unconfirmed own entry the server copy belongs to:
// by ClientKey when the echo carries one, otherwise the oldest entry with the same body.
func (s *Store) matchLocked(server *model.Message) int {
	if server.ClientKey != "" {
		if i, ok := s.pending[server.ClientKey]; ok && s.msgs[i].IsOwn {
			return i
		}
	}
	for i := range s.msgs {
		m := &s.msgs[i]
		if !m.IsOwn || !m.Unconfirmed() || m.Body != server.Body {
			continue
		}
		if m.Attachment != nil && server.Attachment != nil && m.Attachment.Name != server.Attachment.Name {
			continue
		}
		return i
	}
	return -1
}

// MarkRead flips IsRead on confirmed entries with the given ids. Unknown ids are ignored.
func (s *Store) MarkRead(ids []int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		i, ok := s.confirmed[id]
		if !ok || s.msgs[i].IsRead {
			continue
		}
		s.msgs[i].IsRead = true
		n++
	}
	return n
}

// MarkFailed moves a pending entry to failed. Already confirmed entries are left alone:
// the echo may have won the race against the HTTP error.
func (s *Store) MarkFailed(clientKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.pending[clientKey]
	if !ok {
		return ErrUnknownMessage
	}
	s.msgs[i].Status = model.StatusFailed
	return nil
}

// MarkPending moves a failed entry back to pending for a retry and returns it.
func (s *Store) MarkPending(clientKey string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.pending[clientKey]
	if !ok {
		return model.Message{}, ErrUnknownMessage
	}
	if s.msgs[i].Status != model.StatusFailed {
		return model.Message{}, ErrNotFailed
	}
	s.msgs[i].Status = model.StatusPending
	return s.msgs[i].Clone(), nil
}

// Discard removes a failed entry. This is the only way an entry leaves the store.
func (s *Store) Discard(clientKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.pending[clientKey]
	if !ok {
		return ErrUnknownMessage
	}
	if s.msgs[i].Status != model.StatusFailed {
		return ErrNotFailed
	}
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	s.reindexLocked()
	return nil
}

// historySkew bounds how much older than a pending entry a history copy may be
// and still be taken for its server copy when matched by body alone.
const historySkew = time.Minute

// LoadHistory places an initial history page (oldest first) in front of whatever
// arrived over the channel while the page was in flight, skipping duplicates.
// Own history entries resolve matching unconfirmed entries in place, the same
// way a realtime echo does. Returns how many entries were added or resolved.
func (s *Store) LoadHistory(history []model.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]model.Message, 0, len(history)+len(s.msgs))
	seen := make(map[int64]struct{}, len(history))
	resolved := 0
	for _, m := range history {
		m.Status = model.StatusConfirmed
		if _, ok := s.confirmed[m.ID]; ok {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.IsOwn {
			if i := s.matchLocked(&m); i >= 0 && historyCopyOf(&m, &s.msgs[i]) {
				s.replaceLocked(i, m)
				resolved++
				continue
			}
		}
		merged = append(merged, m.Clone())
	}
	added := len(merged)
	s.msgs = append(merged, s.msgs...)
	s.reindexLocked()
	return added + resolved
}

// historyCopyOf reports whether server can be the persisted copy of the unconfirmed
// entry. A ClientKey match is exact; a body match must not predate the send.
func historyCopyOf(server, local *model.Message) bool {
	if server.ClientKey != "" && server.ClientKey == local.ClientKey {
		return true
	}
	if server.CreatedAt.IsZero() || local.CreatedAt.IsZero() {
		return true
	}
	return !server.CreatedAt.Before(local.CreatedAt.Add(-historySkew))
}

// Get returns the entry with the given ClientKey or server ID.
func (s *Store) Get(clientKey string, id int64) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if clientKey != "" {
		if i, ok := s.pending[clientKey]; ok {
			return s.msgs[i].Clone(), true
		}
		for i := range s.msgs {
			if s.msgs[i].ClientKey == clientKey {
				return s.msgs[i].Clone(), true
			}
		}
	}
	if i, ok := s.confirmed[id]; ok && id != 0 {
		return s.msgs[i].Clone(), true
	}
	return model.Message{}, false
}

// Messages returns a copy in render order.
func (s *Store) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.msgs))
	for i := range s.msgs {
		out[i] = s.msgs[i].Clone()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Last returns the most recently inserted entry.
func (s *Store) Last() (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return model.Message{}, false
	}
	return s.msgs[len(s.msgs)-1].Clone(), true
}

// LastConfirmedID is the highest server id seen; the cursor for reconnect replay.
func (s *Store) LastConfirmedID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxID int64
	for id := range s.confirmed {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Stores keeps one Store per room for the whole session; switching rooms never drops one.
type Stores struct {
	mu sync.Mutex
	m  map[string]*Store
}

func NewStores() *Stores {
	return &Stores{m: make(map[string]*Store)}
}

// Get returns the room's store, creating it on first use.
func (s *Stores) Get(roomID string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[roomID]
	if !ok {
		st = NewStore(roomID)
		s.m[roomID] = st
	}
	return st
}

func (s *Stores) Lookup(roomID string) (*Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[roomID]
	return st, ok
}
