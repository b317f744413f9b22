package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu      sync.Mutex
	release chan struct{}
	changes []SubscriptionChange
	ctxErrs []error
	closed  bool
}

func (r *recordingPublisher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingPublisher) PublishSubscriptionChange(ctx context.Context, change SubscriptionChange) error {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return ctx.Err()
}

func (r *recordingPublisher) snapshot() ([]SubscriptionChange, []error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SubscriptionChange(nil), r.changes...), append([]error(nil), r.ctxErrs...), r.closed
}

func TestBackgroundDoesNotBlockOnSlowBroker(t *testing.T) {
	require := require.New(t)

	next := &recordingPublisher{release: make(chan struct{})}
	b, err := NewBackground(BackgroundOptions{
		Publisher: next,
		Timeout:   time.Minute,
		QueueSize: 2,
		Logger:    zap.NewNop(),
	})
	require.NoError(err)

	// a canceled request context must not drop the change
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(b.PublishSubscriptionChange(ctx, SubscriptionChange{SubscriptionID: fmt.Sprint(i)}))
	}
	require.Less(int64(time.Since(start)), int64(time.Second))

	// worker holds change 0, queue holds 1 and 2
	require.Eventually(func() bool {
		return len(b.queue) == 2
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(b.PublishSubscriptionChange(ctx, SubscriptionChange{SubscriptionID: "3"}), ErrQueueFull)

	close(next.release)
	b.Close()

	changes, ctxErrs, closed := next.snapshot()
	require.True(closed)
	require.Len(changes, 3)
	for i, change := range changes {
		require.Equal(fmt.Sprint(i), change.SubscriptionID)
		require.NoError(ctxErrs[i])
	}

	require.ErrorIs(b.PublishSubscriptionChange(context.Background(), SubscriptionChange{}), ErrClosed)
	// second Close is a no-op
	b.Close()
}

func TestBackgroundBoundsEachPublish(t *testing.T) {
	require := require.New(t)

	next := &recordingPublisher{release: make(chan struct{})}
	b, err := NewBackground(BackgroundOptions{
		Publisher: next,
		Timeout:   20 * time.Millisecond,
		Logger:    zap.NewNop(),
	})
	require.NoError(err)

	require.NoError(b.PublishSubscriptionChange(context.Background(), SubscriptionChange{SubscriptionID: "stuck"}))
	b.Close()

	changes, ctxErrs, _ := next.snapshot()
	require.Len(changes, 1)
	require.ErrorIs(ctxErrs[0], context.DeadlineExceeded)
}

func TestNewBackgroundValidatesOptions(t *testing.T) {
	_, err := NewBackground(BackgroundOptions{Logger: zap.NewNop()})
	require.Error(t, err)
	_, err = NewBackground(BackgroundOptions{Publisher: Noop{}})
	require.Error(t, err)
}
