// Package notify delivers relationship events to local users and remote
// peers without blocking the handshake that produced them.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedgate/pkg/types"
)

// Kind identifies an event.
type Kind string

const (
	KindConfirmed Kind = "relationship_confirmed"
	KindShare     Kind = "share_request"
)

const DefaultQueueSize = 256

// ErrQueueFull is reported to the drop hook when an event could not be queued.
var ErrQueueFull = errors.New("notification queue full")

// Event is one queued notification.
type Event struct {
	Kind           Kind
	LocalID        types.LocalID
	Nickname       string
	RelationshipID types.RelationshipID
	Handle         string
	URL            string
	Network        string
	Relation       types.Relation
	At             time.Time
}

// Sink performs the actual delivery.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogSink records events in the log only.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	s.logger.Info("Notification",
		zap.String("kind", string(ev.Kind)),
		zap.String("nickname", ev.Nickname),
		zap.String("handle", ev.Handle),
		zap.String("url", ev.URL),
		zap.String("network", ev.Network),
		zap.Stringer("relation", ev.Relation))
	return nil
}

// Notifier queues events and delivers them from a single worker.
type Notifier struct {
	sink   Sink
	queue  chan Event
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	closed  bool
	done    chan struct{}
	dropped int
}

// NewNotifier creates a notifier. Call Start before events are queued.
func NewNotifier(sink Sink, queueSize int, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Notifier{
		sink:   sink,
		queue:  make(chan Event, queueSize),
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start runs the delivery worker until Stop is called.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	if n.running || n.closed {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.run(ctx)
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	for ev := range n.queue {
		if err := n.sink.Deliver(ctx, ev); err != nil {
			n.logger.Warn("Notification delivery failed",
				zap.String("kind", string(ev.Kind)),
				zap.Int64("relationship", int64(ev.RelationshipID)),
				zap.Error(err))
		}
	}
}

// Stop closes the queue and waits for queued events to drain.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	running := n.running
	close(n.queue)
	n.mu.Unlock()

	if running {
		<-n.done
	}
}

// Dropped reports how many events were discarded because the queue was full
// or already stopped.
func (n *Notifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// RelationshipConfirmed tells the local user their request was approved.
func (n *Notifier) RelationshipConfirmed(_ context.Context, local *types.LocalIdentity, rel *types.Relationship) {
	n.enqueue(n.event(KindConfirmed, local, rel))
}

// ShareRequest asks a non-DFRN peer to start sharing with the local user.
func (n *Notifier) ShareRequest(_ context.Context, local *types.LocalIdentity, rel *types.Relationship) {
	n.enqueue(n.event(KindShare, local, rel))
}

func (n *Notifier) event(kind Kind, local *types.LocalIdentity, rel *types.Relationship) Event {
	return Event{
		Kind:           kind,
		LocalID:        local.ID,
		Nickname:       local.Nickname,
		RelationshipID: rel.ID,
		Handle:         rel.Handle,
		URL:            rel.URL,
		Network:        rel.Network,
		Relation:       rel.Relation,
		At:             n.now(),
	}
}

func (n *Notifier) enqueue(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		n.dropped++
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.dropped++
		n.logger.Warn("Dropping notification",
			zap.String("kind", string(ev.Kind)),
			zap.Int64("relationship", int64(ev.RelationshipID)),
			zap.Error(ErrQueueFull))
	}
}
