package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when a Background publisher cannot accept more changes
var ErrQueueFull = fmt.Errorf("Publish queue is full")

// ErrClosed is returned after a Background publisher was closed
var ErrClosed = fmt.Errorf("Publisher is closed")

var _ Publisher = &Background{}

// BackgroundOptions configures a Background publisher
type BackgroundOptions struct {
	Publisher Publisher
	// Timeout bounds every publish made by the worker
	Timeout time.Duration
	// QueueSize is the number of changes held before ErrQueueFull
	QueueSize int
	// DrainTimeout bounds how long Close waits for queued changes
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Background hands changes to a single worker goroutine so that callers
// never wait on the broker. Changes are published in the order accepted.
type Background struct {
	BackgroundOptions

	mu     sync.Mutex
	closed bool
	queue  chan SubscriptionChange
	done   chan struct{}
}

// NewBackground starts the worker of a Background publisher
func NewBackground(option BackgroundOptions) (*Background, error) {
	if option.Publisher == nil {
		return nil, fmt.Errorf("nil Publisher is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Timeout <= 0 {
		option.Timeout = 5 * time.Second
	}
	if option.QueueSize <= 0 {
		option.QueueSize = 256
	}
	if option.DrainTimeout <= 0 {
		option.DrainTimeout = 10 * time.Second
	}
	b := &Background{
		BackgroundOptions: option,
		queue:             make(chan SubscriptionChange, option.QueueSize),
		done:              make(chan struct{}),
	}
	go b.run()
	return b, nil
}

func (b *Background) run() {
	defer close(b.done)
	for change := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.Timeout)
		err := b.Publisher.PublishSubscriptionChange(ctx, change)
		cancel()
		if err != nil {
			b.Logger.Warn("Unable to publish subscription change",
				zap.String("SubscriptionID", change.SubscriptionID),
				zap.String("Status", change.Status),
				zap.Error(err),
			)
		}
	}
}

// PublishSubscriptionChange queues change and returns immediately. ctx is
// not carried to the worker since the request usually ends first.
func (b *Background) PublishSubscriptionChange(ctx context.Context, change SubscriptionChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.queue <- change:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting changes, waits up to DrainTimeout for the queue to
// empty, then closes the wrapped publisher.
func (b *Background) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-time.After(b.DrainTimeout):
		b.Logger.Warn("Subscription changes still queued at shutdown",
			zap.Int("Queued", len(b.queue)),
		)
	}
	b.Publisher.Close()
}
