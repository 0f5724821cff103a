package listener

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/maxpoletaev/grid/membership"
)

// Kind tells how events are delivered to the subscriber.
type Kind uint8

const (
	// KindMap delivers entry events of maps and multimaps to an EntryListener.
	KindMap Kind = iota + 1
	// KindItem delivers item events of sets, lists and queues to an ItemListener.
	KindItem
	// KindMessage delivers topic messages to a MessageListener.
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindItem:
		return "item"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type EventType uint8

const (
	EventAdded EventType = iota + 1
	EventRemoved
	EventUpdated
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventUpdated:
		return "updated"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is a change of a distributed object. Value is only set for
// subscribers that asked for it.
type Event struct {
	Type   EventType
	Name   string
	Key    []byte
	Value  []byte
	Source membership.Address
}

type EntryListener interface {
	EntryAdded(ev Event)
	EntryRemoved(ev Event)
	EntryUpdated(ev Event)
}

type ItemListener interface {
	ItemAdded(ev Event)
	ItemRemoved(ev Event)
}

type MessageListener interface {
	OnMessage(ev Event)
}

// Item is a subscription tracked by the local node. An empty Key means the
// subscription covers the whole collection. Subscribers are compared by
// identity, so they must be comparable, typically pointers.
type Item struct {
	Name         string
	Key          []byte
	Subscriber   any
	IncludeValue bool
	Kind         Kind
}

func (it *Item) wholeCollection() bool {
	return len(it.Key) == 0
}

// matches reports whether the item belongs to the subscriber and covers
// exactly the same key.
func (it *Item) matches(name string, subscriber any, key []byte) bool {
	return it.Subscriber == subscriber && it.Name == name && bytes.Equal(it.Key, key)
}

// covers reports whether an event for the key is of interest to the item.
func (it *Item) covers(name string, key []byte) bool {
	return it.Name == name && (it.wholeCollection() || bytes.Equal(it.Key, key))
}

// supersedes reports whether a remote registration for it already delivers
// everything other needs.
func (it *Item) supersedes(other *Item) bool {
	return it.matches(other.Name, other.Subscriber, other.Key) && (it.IncludeValue || !other.IncludeValue)
}

func (it *Item) validate() error {
	if it.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidItem)
	}

	var ok bool

	switch it.Kind {
	case KindMap:
		_, ok = it.Subscriber.(EntryListener)
	case KindItem:
		_, ok = it.Subscriber.(ItemListener)
	case KindMessage:
		_, ok = it.Subscriber.(MessageListener)
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidItem, it.Kind)
	}

	if !ok {
		return fmt.Errorf("%w: %T cannot receive %s events", ErrInvalidItem, it.Subscriber, it.Kind)
	}

	if !reflect.TypeOf(it.Subscriber).Comparable() {
		return fmt.Errorf("%w: %T is not comparable", ErrInvalidItem, it.Subscriber)
	}

	return nil
}

func (it *Item) deliver(ev Event) {
	switch it.Kind {
	case KindMap:
		l := it.Subscriber.(EntryListener)

		switch ev.Type {
		case EventAdded:
			l.EntryAdded(ev)
		case EventRemoved:
			l.EntryRemoved(ev)
		case EventUpdated:
			l.EntryUpdated(ev)
		}

	case KindItem:
		l := it.Subscriber.(ItemListener)

		switch ev.Type {
		case EventAdded:
			l.ItemAdded(ev)
		case EventRemoved:
			l.ItemRemoved(ev)
		}

	case KindMessage:
		it.Subscriber.(MessageListener).OnMessage(ev)
	}
}
