// Package events fans sync lifecycle events out to any number of observers.
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and is expected to re-read the ledger instead.
package events

import (
	"sync"
	"time"
)

const DefaultBufferSize = 16

type Kind string

const (
	FileChanged  Kind = "file_changed"
	SyncStarted  Kind = "sync_started"
	SyncProgress Kind = "sync_progress"
	SyncFinished Kind = "sync_finished"
)

// Event describes one lifecycle step. Path is set for FileChanged,
// Uploaded/Total for SyncProgress and SyncFinished, Err for a failed pass.
type Event struct {
	Kind     Kind
	Folder   string
	Path     string
	Uploaded int
	Total    int
	Err      error
	Time     time.Time
}

type Broadcaster struct {
	bufSize int
	subs    []chan Event
	closed  bool
	mu      sync.RWMutex
}

func NewBroadcaster(bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broadcaster{bufSize: bufSize}
}

// Subscribe returns a channel that receives events published from now on.
// It is closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Broadcaster) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			close(sub)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber with room in its buffer and
// returns how many received it.
func (b *Broadcaster) Publish(ev Event) int {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		select {
		case sub <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Close closes all subscriber channels. Later publishes are dropped and
// later subscriptions get an already closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}
