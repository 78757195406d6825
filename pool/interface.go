package pool

import (
	"time"
)

// Stats represents pool statistics.
type Stats struct {
	// Active is the number of connections currently leased
	Active int

	// Idle is the number of connections available for acquisition
	Idle int

	// Total is the number of connections owned by the pool (Active + Idle)
	Total int

	// Pending is the number of connections being established outside the lock
	Pending int

	// Waiters is the number of callers blocked in Acquire
	Waiters int

	// MaxConnections is the configured capacity
	MaxConnections int

	// Acquired is the total number of successful Acquire operations
	Acquired int64

	// Released is the total number of successful Release operations
	Released int64

	// Timeouts is the number of Acquire operations that gave up waiting
	Timeouts int64

	// ConnectErrors is the number of failed connection attempts
	ConnectErrors int64

	// Reconnects is the number of stale connections replaced in place
	Reconnects int64

	// Evictions is the number of stale connections removed without replacement
	Evictions int64

	// Rollbacks is the number of open transactions rolled back on release
	Rollbacks int64

	// CreatedAt is when the pool was created
	CreatedAt time.Time
}

// Event represents a connection lifecycle event.
type Event int

const (
	// EventNew is triggered when a new connection is created.
	EventNew Event = iota

	// EventGet is triggered when a connection is leased.
	EventGet

	// EventPut is triggered when a connection is released.
	EventPut

	// EventClose is triggered when a connection is closed.
	EventClose

	// EventReconnect is triggered when a stale connection is replaced.
	EventReconnect

	// EventEvict is triggered when a stale connection is removed.
	EventEvict
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventNew:
		return "new"
	case EventGet:
		return "get"
	case EventPut:
		return "put"
	case EventClose:
		return "close"
	case EventReconnect:
		return "reconnect"
	case EventEvict:
		return "evict"
	default:
		return "unknown"
	}
}

// EventListener is notified about connection lifecycle events.
// Listeners are called without the pool lock held but must not block.
type EventListener interface {
	// OnEvent is called when a connection event occurs.
	OnEvent(event Event, conn *Conn)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(event Event, conn *Conn)

// OnEvent implements EventListener.
func (f EventListenerFunc) OnEvent(event Event, conn *Conn) {
	f(event, conn)
}
