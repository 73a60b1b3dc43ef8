package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/observability"
	"github.com/ent0n29/tracerail/internal/reliability"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 3
	defaultSendTimeout = 10 * time.Second
	maxRememberedKeys  = 4096
)

type DispatcherConfig struct {
	QueueSize   int
	MaxAttempts int
	Backoff     reliability.Backoff
	SendTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Dispatcher delivers notifications on a single worker goroutine. Enqueue
// never blocks; a full queue drops the notification.
type Dispatcher struct {
	senders     map[string]Sender
	queue       chan Notification
	maxAttempts int
	backoff     reliability.Backoff
	sendTimeout time.Duration
	clock       clockwork.Clock
	logger      *zap.Logger
	metrics     *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	pending   map[string]struct{}
	delivered map[string]struct{}
	order     []string
}

func NewDispatcher(cfg DispatcherConfig, senders map[string]Sender) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = reliability.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	registered := make(map[string]Sender, len(senders))
	for name, s := range senders {
		if s != nil {
			registered[strings.ToLower(strings.TrimSpace(name))] = s
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		senders:     registered,
		queue:       make(chan Notification, cfg.QueueSize),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		sendTimeout: cfg.SendTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		pending:     make(map[string]struct{}),
		delivered:   make(map[string]struct{}),
	}
	go d.run()
	return d
}

// Enqueue schedules n for delivery. It reports false when n was dropped
// because the queue is full, the dispatcher is closed, or the key was
// already delivered or queued.
func (d *Dispatcher) Enqueue(n Notification) bool {
	n.Channel = strings.ToLower(strings.TrimSpace(n.Channel))
	key := n.Key()
	n.DedupKey = key

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("notification dropped after close", zap.String("dedup_key", key))
		d.metrics.ObserveNotification(n.Channel, "dropped")
		return false
	}
	if _, ok := d.delivered[key]; ok {
		d.metrics.ObserveNotification(n.Channel, "duplicate")
		return false
	}
	if _, ok := d.pending[key]; ok {
		d.metrics.ObserveNotification(n.Channel, "duplicate")
		return false
	}
	select {
	case d.queue <- n:
		d.pending[key] = struct{}{}
		return true
	default:
		d.logger.Warn("notification queue full; dropping",
			zap.String("channel", n.Channel),
			zap.String("recipient", n.Recipient),
			zap.String("dedup_key", key),
		)
		d.metrics.ObserveNotification(n.Channel, "dropped")
		return false
	}
}

// Delivered reports whether the key has been sent successfully.
func (d *Dispatcher) Delivered(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.delivered[key]
	return ok
}

// Close stops accepting notifications and waits for the queue to drain. If
// ctx ends first, in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	key := n.DedupKey
	ok := d.attempt(n)

	d.mu.Lock()
	delete(d.pending, key)
	if ok {
		d.rememberLocked(key)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) attempt(n Notification) bool {
	sender, ok := d.senders[n.Channel]
	if !ok {
		d.logger.Error("notification failed",
			zap.String("channel", n.Channel),
			zap.String("dedup_key", n.DedupKey),
			zap.Error(ErrUnknownChannel),
		)
		d.metrics.ObserveNotification(n.Channel, "failed")
		return false
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
		err := sender.Send(ctx, n)
		cancel()
		if err == nil {
			d.metrics.ObserveNotification(n.Channel, "delivered")
			return true
		}
		if IsPermanent(err) || errors.Is(err, context.Canceled) {
			d.logger.Error("notification failed",
				zap.String("channel", n.Channel),
				zap.String("recipient", n.Recipient),
				zap.String("dedup_key", n.DedupKey),
				zap.Error(err),
			)
			d.metrics.ObserveNotification(n.Channel, "failed")
			return false
		}

		terr := &TransientDispatchError{Channel: n.Channel, Recipient: n.Recipient, Attempt: attempt, Err: err}
		d.logger.Warn("notification attempt failed", zap.String("dedup_key", n.DedupKey), zap.Error(terr))
		if attempt == d.maxAttempts {
			break
		}
		d.metrics.ObserveNotification(n.Channel, "retry")
		select {
		case <-d.clock.After(d.backoff.Delay(attempt)):
		case <-d.ctx.Done():
			d.metrics.ObserveNotification(n.Channel, "failed")
			return false
		}
	}

	d.logger.Error("notification gave up",
		zap.String("channel", n.Channel),
		zap.String("recipient", n.Recipient),
		zap.String("dedup_key", n.DedupKey),
		zap.Int("attempts", d.maxAttempts),
	)
	d.metrics.ObserveNotification(n.Channel, "failed")
	return false
}

func (d *Dispatcher) rememberLocked(key string) {
	if _, ok := d.delivered[key]; ok {
		return
	}
	d.delivered[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > maxRememberedKeys {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.delivered, evict)
	}
}
