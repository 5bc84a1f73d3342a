package eventbus

import (
	"errors"
	"time"
)

var (
	ErrBusClosed          = errors.New("eventbus: bus is closed")
	ErrSubscriberExists   = errors.New("eventbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("eventbus: subscriber not found")
	ErrNilChannel         = errors.New("eventbus: nil channel provided")
	ErrReceiverClosed     = errors.New("eventbus: receiver is closed")
)

// DropPolicy defines what happens when a subscriber cannot keep up.
type DropPolicy int

const (
	// DropNew discards the incoming event when the subscriber channel is full.
	DropNew DropPolicy = iota
	// DropOld keeps only the latest event.
	DropOld
)

// Type names a playback event.
type Type string

const (
	Started   Type = "started"
	Progress  Type = "progress"
	Stalled   Type = "stalled"
	Completed Type = "completed"
	Stopped   Type = "stopped"
	Failed    Type = "failed"
)

// Event is one playback notification.
type Event struct {
	Type     Type
	Session  string
	Progress float64
	Index    int
	Elapsed  time.Duration
	At       time.Time
	Err      error
}

// Terminal reports whether no further event of the same session follows.
func (e Event) Terminal() bool {
	return e.Type == Completed || e.Type == Stopped || e.Type == Failed
}

// Receiver gives access to the latest event of a DropOld subscription.
type Receiver interface {
	// Receive blocks until an event newer than the last received one is
	// available or the receiver closes. ok is false once closed.
	Receive() (ev Event, ok bool)
	TryReceive() (Event, bool)
	Close()
}

// SubscriberStats tracks delivery to one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Bus distributes events to subscribers without ever blocking the
// publisher.
type Bus interface {
	Subscribe(id string, ch chan<- Event) error
	SubscribeLatest(id string) (Receiver, error)
	Publish(ev Event)
	Unsubscribe(id string) error
	Stats(id string) (SubscriberStats, error)
	Published() uint64
	Close()
}
