package sync

import (
	"sync"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// EventKind distinguishes data refreshes from connectivity flips so the UI
// layer can react differently to each.
type EventKind string

const (
	EventTableChanged        EventKind = "table_changed"
	EventConnectivityChanged EventKind = "connectivity_changed"
)

type Event struct {
	Kind   EventKind
	Table  string // set for EventTableChanged
	Online bool   // set for EventConnectivityChanged
}

// Bus fans engine events out to subscribers. Publishing never blocks the
// engine; a subscriber that stops draining just loses events.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Log.Debug("Dropping event for slow subscriber", zap.String("kind", string(ev.Kind)))
		}
	}
}

// TableChanged announces that a pull or push measurably changed a table.
// One event per table per cycle, not per record.
func (b *Bus) TableChanged(table string) {
	b.publish(Event{Kind: EventTableChanged, Table: table})
}

func (b *Bus) ConnectivityChanged(online bool) {
	b.publish(Event{Kind: EventConnectivityChanged, Online: online})
}
