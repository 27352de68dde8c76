package client

import "sync"

// registration is one local handler bound to an address.
type registration struct {
	address   string
	onMessage func(*Message)
	onError   func(error)
	// reply is set for one-shot request handlers.
	reply *replyState
}

// addressEntry holds every local handler of one address. It exists only
// while it has at least one handler.
type addressEntry struct {
	address    string
	handlers   []*registration
	registered bool   // the bridge has seen our register for this address
	cursor     uint64 // round-robin position, advanced after each delivery
}

// registry maps addresses to their handlers. It is not safe for concurrent
// use; the client guards it with its mutex.
type registry struct {
	entries map[string]*addressEntry
	order   []string // live addresses in the order they were first registered
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*addressEntry)}
}

// add appends reg to its address and returns the entry plus whether it is new.
func (r *registry) add(reg *registration) (*addressEntry, bool) {
	e, ok := r.entries[reg.address]
	if !ok {
		e = &addressEntry{address: reg.address}
		r.entries[reg.address] = e
		r.order = append(r.order, reg.address)
	}
	e.handlers = append(e.handlers, reg)
	return e, !ok
}

// remove detaches reg. It returns the entry it belonged to and whether that
// entry became empty and was deleted. A nil entry means reg was not present.
func (r *registry) remove(reg *registration) (*addressEntry, bool) {
	e, ok := r.entries[reg.address]
	if !ok {
		return nil, false
	}
	idx := -1
	for i, h := range e.handlers {
		if h == reg {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	e.handlers = append(e.handlers[:idx:idx], e.handlers[idx+1:]...)
	if len(e.handlers) > 0 {
		return e, false
	}
	delete(r.entries, reg.address)
	for i, a := range r.order {
		if a == reg.address {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return e, true
}

// next picks the handler for one delivery and advances the cursor.
func (r *registry) next(address string) *registration {
	e, ok := r.entries[address]
	if !ok || len(e.handlers) == 0 {
		return nil
	}
	h := e.handlers[e.cursor%uint64(len(e.handlers))]
	e.cursor++
	return h
}

// handlers returns a snapshot of the handlers of address.
func (r *registry) handlers(address string) []*registration {
	e, ok := r.entries[address]
	if !ok {
		return nil
	}
	return append([]*registration(nil), e.handlers...)
}

// live returns the entries in registration order.
func (r *registry) live() []*addressEntry {
	out := make([]*addressEntry, 0, len(r.order))
	for _, a := range r.order {
		out = append(out, r.entries[a])
	}
	return out
}

// forgetServer marks every address as unknown to the bridge, after the
// connection that carried the registrations went away.
func (r *registry) forgetServer() {
	for _, e := range r.entries {
		e.registered = false
	}
}

// clear empties the registry and returns every registration it held.
func (r *registry) clear() []*registration {
	var out []*registration
	for _, a := range r.order {
		out = append(out, r.entries[a].handlers...)
	}
	r.entries = make(map[string]*addressEntry)
	r.order = nil
	return out
}

func (r *registry) len() int {
	return len(r.entries)
}

// Consumer is the token returned when registering a handler. Unregister is
// safe to call more than once.
type Consumer struct {
	client *Client
	reg    *registration
	once   sync.Once
}

// Address returns the address the consumer listens on.
func (cs *Consumer) Address() string {
	return cs.reg.address
}

// Unregister removes the handler. When it was the last handler for the
// address the bridge is told to stop delivering it.
func (cs *Consumer) Unregister() {
	cs.once.Do(func() {
		cs.client.unregister(cs.reg)
	})
}
