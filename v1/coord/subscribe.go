package coord

import "github.com/mirkobrombin/go-huddle/v1/transport"

// Handler receives events on the coordinator's event loop. Handlers run one
// at a time in subscription order and should return quickly.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	id  uint64
	typ transport.EventType
}

type subscription struct {
	Subscription
	all     bool
	handler Handler
}

// Subscribe registers h for events of typ.
func (c *Coordinator) Subscribe(typ transport.EventType, h Handler) Subscription {
	return c.addSubscription(typ, false, h)
}

// SubscribeAll registers h for every event type.
func (c *Coordinator) SubscribeAll(h Handler) Subscription {
	return c.addSubscription("", true, h)
}

func (c *Coordinator) addSubscription(typ transport.EventType, all bool, h Handler) Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subSeq++
	s := subscription{
		Subscription: Subscription{id: c.subSeq, typ: typ},
		all:          all,
		handler:      h,
	}
	c.subs = append(c.subs, s)
	return s.Subscription
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (c *Coordinator) Unsubscribe(sub Subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for i, s := range c.subs {
		if s.id == sub.id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) subscribers(typ transport.EventType) []subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	var out []subscription
	for _, s := range c.subs {
		if s.handler != nil && (s.all || s.typ == typ) {
			out = append(out, s)
		}
	}
	return out
}
