package client

import "fmt"

// pendingTask is an encoded outbound envelope waiting for a ready session.
type pendingTask struct {
	typ     string
	address string
	data    []byte
}

// targetLocked returns the session an outbound write should go to. direct
// pins the write to the session handed to the connected hook.
func (c *Client) targetLocked(direct *session) (*session, error) {
	if direct != nil {
		if c.sess != direct {
			return nil, ErrNotConnected
		}
		return direct, nil
	}
	if c.sess != nil && c.ready {
		return c.sess, nil
	}
	return nil, nil
}

// enqueueLocked writes t now when a ready session exists and queues it
// otherwise, starting a connection unless one is underway.
func (c *Client) enqueueLocked(t pendingTask, direct *session) error {
	if c.state == StateClosed {
		return ErrClientClosed
	}
	s, err := c.targetLocked(direct)
	if err != nil {
		return err
	}
	if s != nil {
		s.writeLocked(t.typ, t.data)
		return nil
	}
	c.pending = append(c.pending, t)
	c.metrics.queued.Set(float64(len(c.pending)))
	c.logger.Debug(fmt.Sprintf("Client %s: Queued %s to '%s'", c.id, t.typ, t.address), "queued", len(c.pending))
	if c.reconnectTimer == nil {
		c.connectLocked()
	}
	return nil
}

// flushLocked moves the queue onto s in submission order.
func (c *Client) flushLocked(s *session) int {
	n := len(c.pending)
	for _, t := range c.pending {
		s.writeLocked(t.typ, t.data)
	}
	c.pending = nil
	c.metrics.queued.Set(0)
	return n
}
