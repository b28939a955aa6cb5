// Package remote abstracts the shared store that all devices replicate
// against. The engine only sees this interface; the MySQL driver below is
// the production implementation and tests substitute an in-memory fake.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is the remote representation of a synced entity.
type Record struct {
	ID           string
	NaturalKey   string
	Payload      json.RawMessage
	LastModified time.Time
}

// TableChange is one realtime notification: a remote write touched a table.
type TableChange struct {
	Table string
}

func (c TableChange) String() string {
	return fmt.Sprintf("change[%s]", c.Table)
}

// ChangeFeed is a live stream of remote table changes. Events is closed when
// the feed stops.
type ChangeFeed interface {
	Events() <-chan TableChange
	Stop()
}

type Remote interface {
	// Ping is the connectivity probe; it must honor the context deadline.
	Ping(ctx context.Context) error

	// QueryChangedSince returns records modified strictly after the given
	// cursor. Implementations must match the cursor against both native
	// date and ISO-string representations of the remote timestamp column.
	QueryChangedSince(ctx context.Context, table string, since time.Time) ([]*Record, error)

	FetchAll(ctx context.Context, table string) ([]*Record, error)
	FindByNaturalKey(ctx context.Context, table, naturalKey string) (*Record, error)

	// Insert stores a new record and returns the remote-assigned id.
	Insert(ctx context.Context, table string, rec *Record) (string, error)
	Upsert(ctx context.Context, table string, rec *Record) error

	// Delete removes a record by id. Deleting an id that is already gone
	// is not an error.
	Delete(ctx context.Context, table, id string) error

	// SupportsChangeNotifications reports whether a live change feed is
	// currently available; the watcher re-probes this while degraded.
	SupportsChangeNotifications(ctx context.Context) bool
	StartChangeFeed(ctx context.Context) (ChangeFeed, error)

	Close() error
}
