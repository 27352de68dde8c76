package client

import (
	"context"
	"time"
)

const (
	eventTopic       = "lifecycle"
	eventQueueLength = 16
)

// EventKind identifies a connection lifecycle change.
type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventGaveUp       EventKind = "gave_up"
	EventClosed       EventKind = "closed"
)

// Event describes one lifecycle change.
type Event struct {
	Kind    EventKind
	Attempt int   // reconnect attempt, when relevant
	Err     error // cause of a disconnect, nil for a clean close
	Time    time.Time
}

func (c *Client) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.events != nil {
		c.events.Pub(ev, eventTopic)
	}
}

// Watch streams lifecycle events until ctx is done or the client is closed.
// Events are dropped when the caller falls behind by more than a small
// buffer. On a closed client the channel is already closed.
func (c *Client) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, eventQueueLength)

	c.eventsMu.RLock()
	bus := c.events
	if bus == nil {
		c.eventsMu.RUnlock()
		close(out)
		return out
	}
	sub := bus.Sub(eventTopic)
	c.eventsMu.RUnlock()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				// Unsub blocks until the bus has processed it, and the bus
				// may be blocked delivering to sub, so keep draining. A bus
				// already shut down has closed sub itself.
				go func() {
					c.eventsMu.RLock()
					defer c.eventsMu.RUnlock()
					if c.events == bus {
						bus.Unsub(sub, eventTopic)
					}
				}()
				for range sub {
				}
				return
			case v, ok := <-sub:
				if !ok {
					return
				}
				ev, ok := v.(Event)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				default:
					c.logger.Debug("Client " + c.id + ": Dropping lifecycle event for slow watcher")
				}
			}
		}
	}()
	return out
}
