// Package notifier pushes execution status transitions to live observers.
//
// Events go through a watermill publisher so the same code fans out in process
// (gochannel) or across instances (Kafka). Publish never blocks the engine: events are
// queued and forwarded by a single goroutine, and dropped when the queue is full.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/conduit/pkg/channels/kafka"
	"github.com/dukex/conduit/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	Topic = "conduit.execution_events"

	ExecutionIDMetadataKey = "execution_id"
	EventTypeMetadataKey   = "event_type"

	defaultQueueSize   = 1024
	defaultWatcherSize = 64
)

var ErrClosed = errors.New("notifier closed")

type Notifier struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *logrus.Entry

	queue chan *message.Message

	mu       sync.RWMutex
	closed   bool
	watchers map[string]map[*watcher]struct{}

	cancel      context.CancelFunc
	forwardDone chan struct{}
	consumeDone chan struct{}
}

type watcher struct {
	events chan models.ExecutionEvent
}

type Option func(*Notifier)

// WithQueueSize sets how many events may wait for the forwarder before new ones are dropped.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		n.queue = make(chan *message.Message, size)
	}
}

// New subscribes to the event topic and starts the forwarding and fan-out goroutines.
func New(pub message.Publisher, sub message.Subscriber, logger *logrus.Entry, opts ...Option) (*Notifier, error) {
	n := &Notifier{
		publisher:  pub,
		subscriber: sub,
		logger:     logger,
		queue:      make(chan *message.Message, defaultQueueSize),
		watchers:   make(map[string]map[*watcher]struct{}),

		forwardDone: make(chan struct{}),
		consumeDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	messages, err := sub.Subscribe(ctx, Topic)
	if err != nil {
		cancel()

		return nil, err
	}

	go n.forward()
	go n.consume(messages)

	return n, nil
}

// Publish queues event for delivery. It never blocks and never fails the caller.
func (n *Notifier) Publish(executionID string, event models.ExecutionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.WithError(err).Warn("Failed to encode execution event")

		return
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(ExecutionIDMetadataKey, executionID)
	msg.Metadata.Set(EventTypeMetadataKey, string(event.Type))
	msg.Metadata.Set(kafka.PartitionKeyMetadata, executionID)

	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	select {
	case n.queue <- msg:
	default:
		n.logger.WithFields(logrus.Fields{
			"execution_id": executionID,
			"event_type":   event.Type,
		}).Warn("Notifier queue full, dropping event")
	}
}

// Subscribe streams the events of one execution until ctx is done or the notifier closes.
func (n *Notifier) Subscribe(ctx context.Context, executionID string) (<-chan models.ExecutionEvent, error) {
	w := &watcher{events: make(chan models.ExecutionEvent, defaultWatcherSize)}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()

		return nil, ErrClosed
	}

	if n.watchers[executionID] == nil {
		n.watchers[executionID] = make(map[*watcher]struct{})
	}

	n.watchers[executionID][w] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.removeWatcher(executionID, w)
	}()

	return w.events, nil
}

func (n *Notifier) removeWatcher(executionID string, w *watcher) {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, ok := n.watchers[executionID]
	if !ok {
		return
	}

	if _, ok := set[w]; !ok {
		return
	}

	delete(set, w)
	close(w.events)

	if len(set) == 0 {
		delete(n.watchers, executionID)
	}
}

func (n *Notifier) forward() {
	defer close(n.forwardDone)

	for msg := range n.queue {
		if err := n.publisher.Publish(Topic, msg); err != nil {
			n.logger.WithError(err).WithField("execution_id", msg.Metadata.Get(ExecutionIDMetadataKey)).
				Warn("Failed to publish execution event")
		}
	}
}

func (n *Notifier) consume(messages <-chan *message.Message) {
	defer close(n.consumeDone)

	for msg := range messages {
		var event models.ExecutionEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			n.logger.WithError(err).Warn("Dropping malformed execution event")
			msg.Ack()

			continue
		}

		n.dispatch(msg.Metadata.Get(ExecutionIDMetadataKey), event)
		msg.Ack()
	}
}

func (n *Notifier) dispatch(executionID string, event models.ExecutionEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for w := range n.watchers[executionID] {
		select {
		case w.events <- event:
			continue
		default:
		}

		logger := n.logger.WithFields(logrus.Fields{
			"execution_id": executionID,
			"event_type":   event.Type,
		})

		if !event.Terminal() {
			logger.Debug("Observer buffer full, dropping event")

			continue
		}

		// The terminal event ends the stream, so it displaces the oldest buffered event.
		// dispatch is the only sender, so the freed slot stays free.
		select {
		case <-w.events:
			logger.Debug("Observer buffer full, dropped oldest event for the terminal one")
		default:
		}

		select {
		case w.events <- event:
		default:
		}
	}
}

// Close stops accepting events, flushes the queue and closes every subscription.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()

		return nil
	}

	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	// Let queued events reach current observers before tearing down the subscription.
	<-n.forwardDone

	n.cancel()

	errPub := n.publisher.Close()
	errSub := n.subscriber.Close()

	<-n.consumeDone

	n.mu.Lock()
	for executionID, set := range n.watchers {
		for w := range set {
			close(w.events)
		}

		delete(n.watchers, executionID)
	}
	n.mu.Unlock()

	return errors.Join(errPub, errSub)
}
