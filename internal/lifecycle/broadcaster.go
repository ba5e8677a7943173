package lifecycle

// #region imports
import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// #endregion imports

// #region types

// DefaultAckTimeout bounds how long a broadcast waits for an acknowledgment.
const DefaultAckTimeout = 2 * time.Second

const defaultSubscriberCapacity = 1

// Notice is a cancellation notification. Any listener may resolve the
// broadcast by calling Ack; later calls are ignored.
type Notice struct {
	Reason string
	At     time.Time
	ack    func()
}

// Ack resolves the broadcast that delivered n.
func (n Notice) Ack() {
	if n.ack != nil {
		n.ack()
	}
}

// Subscription is an active listener registration.
type Subscription struct {
	Notices <-chan Notice
	cancel  func()
}

// Close unregisters the listener and closes Notices.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger used for dropped notices.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per listener.
func WithSubscriberCapacity(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// #endregion types

// #region broadcaster

// Broadcaster fans cancellation notices out to listeners and waits for the
// first acknowledgment.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[chan Notice]struct{}
	capacity int
	logger   *slog.Logger
}

// NewBroadcaster returns a Broadcaster with no listeners.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:     map[chan Notice]struct{}{},
		capacity: defaultSubscriberCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = b.logger.With("component", "lifecycle")
	return b
}

// Subscribe registers a listener.
func (b *Broadcaster) Subscribe() Subscription {
	ch := make(chan Notice, b.capacity)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return Subscription{
		Notices: ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subs, ch)
				close(ch)
				b.mu.Unlock()
			})
		},
	}
}

// Listeners reports the number of registered listeners.
func (b *Broadcaster) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Broadcast delivers a notice to every listener and blocks until one of them
// acknowledges, timeout elapses or ctx ends. A non-positive timeout, or one
// above DefaultAckTimeout, means DefaultAckTimeout. With no listeners there is nothing to wait for and it
// reports true at once. Delivery never blocks: a listener whose buffer is
// full misses the notice.
func (b *Broadcaster) Broadcast(ctx context.Context, reason string, timeout time.Duration) bool {
	if timeout <= 0 || timeout > DefaultAckTimeout {
		timeout = DefaultAckTimeout
	}

	done := make(chan struct{})
	var once sync.Once
	notice := Notice{
		Reason: reason,
		At:     time.Now(),
		ack:    func() { once.Do(func() { close(done) }) },
	}

	b.mu.Lock()
	delivered := 0
	for ch := range b.subs {
		select {
		case ch <- notice:
			delivered++
		default:
			b.logger.Debug("listener busy, notice dropped", "reason", reason)
		}
	}
	listeners := len(b.subs)
	b.mu.Unlock()

	if listeners == 0 {
		return true
	}
	if delivered == 0 {
		return false
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// #endregion broadcaster
