// Package subscribers keeps reference-counted observer lists per address.
//
// Nothing here is safe for concurrent use; the owning service serialises
// access. Observer callbacks are never run by the registry itself. Subscribe
// and Notify return Deliveries that the caller runs once it has released its
// own lock, so an observer may call back into the service.
package subscribers

import (
	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
)

// Observer is notified whenever the record cached for an address changes.
// Implementations must be comparable (usually a pointer); the same value
// subscribed twice to one address shares a single registration.
type Observer interface {
	OnUpdate(addr address.Address, rec *model.Record)
}

type subscriber struct {
	obs  Observer
	refs int
}

// List is the ordered set of observers for one address.
type List struct {
	subs []*subscriber
}

// Len returns the number of distinct observers.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.subs)
}

// Refs returns the reference count held by obs, 0 when not registered.
func (l *List) Refs(obs Observer) int {
	if l == nil {
		return 0
	}
	if s := l.find(obs); s != nil {
		return s.refs
	}
	return 0
}

func (l *List) find(obs Observer) *subscriber {
	for _, s := range l.subs {
		if s.obs == obs {
			return s
		}
	}
	return nil
}

func (l *List) add(obs Observer) {
	if s := l.find(obs); s != nil {
		s.refs++
		return
	}
	l.subs = append(l.subs, &subscriber{obs: obs, refs: 1})
}

// returns true when obs was dropped from the list
func (l *List) release(obs Observer) bool {
	for i, s := range l.subs {
		if s.obs != obs {
			continue
		}
		if s.refs > 0 {
			s.refs--
		}
		if s.refs == 0 {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return true
		}
		return false
	}
	return false
}

func (l *List) observers() []Observer {
	out := make([]Observer, 0, len(l.subs))
	for _, s := range l.subs {
		out = append(out, s.obs)
	}
	return out
}

// Lists resolves the list owned by an address' cache entry.
type Lists interface {
	// SubscriberList returns the list for addr, creating the owning entry
	// when create is set. It may return nil when create is false.
	SubscriberList(addr address.Address, create bool) *List
}

// Delivery is one pending observer invocation.
type Delivery struct {
	Observer Observer
	Address  address.Address
	Record   *model.Record
}

// Deliver runs the invocation.
func (d Delivery) Deliver() {
	if d.Observer != nil {
		d.Observer.OnUpdate(d.Address, d.Record)
	}
}

// Token is returned by Subscribe. Each token releases at most one reference.
type Token struct {
	addr  address.Address
	obs   Observer
	state *tokenState
}

type tokenState struct {
	released bool
}

// Address returns the subscribed address.
func (t Token) Address() address.Address { return t.addr }

// Active reports whether the token still holds its reference.
func (t Token) Active() bool { return t.state != nil && !t.state.released }

// Registry implements subscribe/unsubscribe/notify over entry-owned lists.
type Registry struct {
	lists Lists
	total int
}

func New(lists Lists) *Registry {
	return &Registry{lists: lists}
}

// Subscribe registers obs for addr, or bumps its refcount, and returns the
// initial delivery carrying the current record (nil when absent).
func (r *Registry) Subscribe(addr address.Address, obs Observer, current *model.Record) (Token, Delivery) {
	l := r.lists.SubscriberList(addr, true)
	before := l.Len()
	l.add(obs)
	if l.Len() > before {
		r.total++
	}
	return Token{addr: addr, obs: obs, state: &tokenState{}},
		Delivery{Observer: obs, Address: addr, Record: current}
}

// Unsubscribe releases the reference held by tok. Releasing a token twice,
// a zero token, or a token whose observer is gone is a no-op returning false.
func (r *Registry) Unsubscribe(tok Token) bool {
	if tok.state == nil || tok.state.released {
		return false
	}
	tok.state.released = true
	l := r.lists.SubscriberList(tok.addr, false)
	if l == nil {
		return false
	}
	if l.Refs(tok.obs) == 0 {
		return false
	}
	if l.release(tok.obs) {
		r.total--
	}
	return true
}

// Notify returns one delivery per observer of addr in insertion order.
func (r *Registry) Notify(addr address.Address, rec *model.Record) []Delivery {
	l := r.lists.SubscriberList(addr, false)
	if l.Len() == 0 {
		return nil
	}
	obs := l.observers()
	out := make([]Delivery, 0, len(obs))
	for _, o := range obs {
		out = append(out, Delivery{Observer: o, Address: addr, Record: rec})
	}
	return out
}

// Count returns the number of observers registered for addr.
func (r *Registry) Count(addr address.Address) int {
	return r.lists.SubscriberList(addr, false).Len()
}

// Total returns the number of distinct (address, observer) registrations.
func (r *Registry) Total() int { return r.total }
