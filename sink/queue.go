package sink

import "gopkg.in/eapache/channels.v1"

// eventKind discriminates the Event union below.
type eventKind int

const (
	kindMessageReady eventKind = iota
	kindMessageSent
	kindMissingDependencies
	kindPeriodicSync
)

// Event is one queued callback invocation, as posted by QueueSink.
type Event struct {
	Kind                eventKind
	MessageID           []byte
	MissingDependencyIDs [][]byte
}

// IsMessageReady, IsMessageSent, IsMissingDependencies, IsPeriodicSync
// classify an Event for consumers that would rather switch on booleans
// than on the unexported eventKind.
func (e Event) IsMessageReady() bool         { return e.Kind == kindMessageReady }
func (e Event) IsMessageSent() bool          { return e.Kind == kindMessageSent }
func (e Event) IsMissingDependencies() bool  { return e.Kind == kindMissingDependencies }
func (e Event) IsPeriodicSync() bool         { return e.Kind == kindPeriodicSync }

// QueueSink is an EventSink that never blocks the Manager's lock: every
// callback is posted onto an unbounded channels.InfiniteChannel and
// returns immediately. This is the concrete realization of spec §5's
// guidance to "post callbacks to a queue" when an embedder needs to react
// to an event by calling back into the same Manager.
type QueueSink struct {
	ch *channels.InfiniteChannel
}

// NewQueueSink constructs a QueueSink ready to receive events.
func NewQueueSink() *QueueSink {
	return &QueueSink{ch: channels.NewInfiniteChannel()}
}

func (q *QueueSink) MessageReady(id []byte) {
	q.ch.In() <- Event{Kind: kindMessageReady, MessageID: id}
}

func (q *QueueSink) MessageSent(id []byte) {
	q.ch.In() <- Event{Kind: kindMessageSent, MessageID: id}
}

func (q *QueueSink) MissingDependencies(id []byte, ids [][]byte) {
	q.ch.In() <- Event{Kind: kindMissingDependencies, MessageID: id, MissingDependencyIDs: ids}
}

func (q *QueueSink) PeriodicSync() {
	q.ch.In() <- Event{Kind: kindPeriodicSync}
}

// Events returns the consumer-side channel of queued events. Drain it from
// a goroutine that is not the Manager's own callback path.
func (q *QueueSink) Events() <-chan interface{} {
	return q.ch.Out()
}

// Close shuts the queue down; further sends from in-flight Manager
// callbacks (if any are still running) will panic, so Close must only be
// called after the owning Manager has been Halted and Waited for.
func (q *QueueSink) Close() {
	q.ch.Close()
}

var _ EventSink = (*QueueSink)(nil)
