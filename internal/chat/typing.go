package chat

import (
	"sync"
	"time"
)

const (
	DefaultTypingIdle     = 2 * time.Second
	DefaultTypingFailsafe = 3 * time.Second
)

// Timer is the part of *time.Timer the tracker uses.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks; tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// TypingTracker coalesces local keystrokes into typing=true/false signals and
// derives the counterpart's typing flag with a failsafe expiry.
//
// Timers are tagged with a generation so a callback that lost the race with Stop is a no-op.
type TypingTracker struct {
	clock    Clock
	idle     time.Duration
	failsafe time.Duration
	emit     func(roomID string, typing bool)
	onRemote func(typing bool)

	mu          sync.Mutex
	roomID      string
	local       bool
	localTimer  Timer
	localGen    uint64
	remote      bool
	remoteTimer Timer
	remoteGen   uint64
}

// NewTypingTracker: emit sends the local signal for a room, onRemote reports
// changes of the counterpart flag. Both are called without the tracker's lock held.
func NewTypingTracker(clock Clock, idle, failsafe time.Duration, emit func(roomID string, typing bool), onRemote func(typing bool)) *TypingTracker {
	if clock == nil {
		clock = realClock{}
	}
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if failsafe <= 0 {
		failsafe = DefaultTypingFailsafe
	}
	if emit == nil {
		emit = func(string, bool) {}
	}
	if onRemote == nil {
		onRemote = func(bool) {}
	}
	return &TypingTracker{clock: clock, idle: idle, failsafe: failsafe, emit: emit, onRemote: onRemote}
}

// Keystroke records composer activity in the current room.
func (t *TypingTracker) Keystroke() {
	t.mu.Lock()
	if t.roomID == "" {
		t.mu.Unlock()
		return
	}
	started := !t.local
	t.local = true
	if t.localTimer != nil {
		t.localTimer.Stop()
	}
	t.localGen++
	gen := t.localGen
	room := t.roomID
	t.localTimer = t.clock.AfterFunc(t.idle, func() { t.localExpired(gen) })
	t.mu.Unlock()

	if started {
		t.emit(room, true)
	}
}

func (t *TypingTracker) localExpired(gen uint64) {
	t.mu.Lock()
	if gen != t.localGen || !t.local {
		t.mu.Unlock()
		return
	}
	t.local = false
	t.localTimer = nil
	room := t.roomID
	t.mu.Unlock()
	t.emit(room, false)
}

// Stop ends the local burst right away (message sent, room switched).
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	room, was := t.stopLocalLocked()
	t.mu.Unlock()
	if was {
		t.emit(room, false)
	}
}

func (t *TypingTracker) stopLocalLocked() (string, bool) {
	was := t.local
	t.local = false
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
	t.localGen++
	return t.roomID, was
}

// Remote applies a typing signal from the counterpart.
func (t *TypingTracker) Remote(typing bool) {
	t.mu.Lock()
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
	t.remoteGen++
	if typing {
		gen := t.remoteGen
		t.remoteTimer = t.clock.AfterFunc(t.failsafe, func() { t.remoteExpired(gen) })
	}
	changed := t.remote != typing
	t.remote = typing
	t.mu.Unlock()

	if changed {
		t.onRemote(typing)
	}
}

func (t *TypingTracker) remoteExpired(gen uint64) {
	t.mu.Lock()
	if gen != t.remoteGen || !t.remote {
		t.mu.Unlock()
		return
	}
	t.remote = false
	t.remoteTimer = nil
	t.mu.Unlock()
	t.onRemote(false)
}

// RemoteIsTyping reports the counterpart flag for the current room.
func (t *TypingTracker) RemoteIsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *TypingTracker) LocalIsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Reset moves the tracker to another room: the local burst in the old room is
// closed with typing=false and the remote flag is cleared.
func (t *TypingTracker) Reset(roomID string) {
	t.mu.Lock()
	oldRoom, wasLocal := t.stopLocalLocked()
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
	t.remoteGen++
	wasRemote := t.remote
	t.remote = false
	t.roomID = roomID
	t.mu.Unlock()

	if wasLocal {
		t.emit(oldRoom, false)
	}
	if wasRemote {
		t.onRemote(false)
	}
}
