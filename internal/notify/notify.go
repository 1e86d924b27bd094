// Package notify delivers email notifications asynchronously: a bounded
// in-memory queue drained by a small worker pool, with bounded retry.
// Delivery failures never surface to the request that queued the message.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueCapacity = 256
	maxWorkers           = 4
	sendAttempts         = 3
	backoffBase          = 2 * time.Second
)

// Message is one queued email.
type Message struct {
	To      []string
	Subject string
	Body    string
	// Critical messages survive queue overflow.
	Critical bool
}

// Sender delivers a single message. Implemented by the SMTP sender; tests
// inject a stub.
type Sender interface {
	Send(msg Message) error
}

// Queue is the bounded notification queue. Overflow drops the oldest
// non-critical message and bumps a counter.
type Queue struct {
	sender   Sender
	logger   *zap.Logger
	delay    time.Duration
	capacity int

	mu     sync.Mutex
	cond   *sync.Cond
	items  []Message
	closed bool

	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewQueue starts a queue with the given worker count (clamped to 1..4).
func NewQueue(sender Sender, workers int, delay time.Duration, logger *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	q := &Queue{
		sender:   sender,
		logger:   logger,
		delay:    delay,
		capacity: defaultQueueCapacity,
	}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue adds a message. Never blocks: on overflow the oldest
// non-critical message is dropped to make room.
func (q *Queue) Enqueue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.items) >= q.capacity {
		if !q.dropOldest() {
			// Queue full of critical messages; drop the newcomer unless
			// it is critical itself.
			if !msg.Critical {
				q.dropped.Add(1)
				return
			}
		}
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
}

// dropOldest removes the oldest non-critical message. Caller holds q.mu.
func (q *Queue) dropOldest() bool {
	for i, item := range q.items {
		if !item.Critical {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped.Add(1)
			return true
		}
	}
	return false
}

// Dropped returns the overflow counter.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Close stops the workers after the queue drains.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		msg := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.deliver(msg)
		if q.delay > 0 {
			time.Sleep(q.delay)
		}
	}
}

// deliver attempts a send with bounded exponential backoff. Final failure
// is logged and swallowed.
func (q *Queue) deliver(msg Message) {
	backoff := backoffBase
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		err := q.sender.Send(msg)
		if err == nil {
			return
		}
		if attempt == sendAttempts {
			q.logger.Error("notification delivery failed",
				zap.Strings("to", msg.To),
				zap.String("subject", msg.Subject),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}
		q.logger.Warn("notification send retry",
			zap.String("subject", msg.Subject),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
	}
}

// Notifier routes notifications onto the two subscriber channels: the
// client channel (the owner of a token or account) and the admin channel.
type Notifier struct {
	queue       *Queue
	adminEmails func() []string
	logger      *zap.Logger
}

// NewNotifier builds a notifier. queue may be nil when SMTP is not
// configured; notifications then become no-ops. adminEmails is consulted
// at send time so admin changes take effect without restart.
func NewNotifier(queue *Queue, adminEmails func() []string, logger *zap.Logger) *Notifier {
	return &Notifier{queue: queue, adminEmails: adminEmails, logger: logger}
}

// Enabled reports whether notifications are configured.
func (n *Notifier) Enabled() bool { return n.queue != nil }

// NotifyClient queues a message to a single recipient.
func (n *Notifier) NotifyClient(email, subject, body string) {
	if n.queue == nil || email == "" {
		return
	}
	n.queue.Enqueue(Message{To: []string{email}, Subject: subject, Body: body})
}

// NotifyAdmin queues a security-event message to all admins. Admin
// notifications are critical: they survive queue overflow.
func (n *Notifier) NotifyAdmin(subject, body string) {
	if n.queue == nil {
		return
	}
	recipients := n.adminEmails()
	if len(recipients) == 0 {
		n.logger.Warn("admin notification with no recipients", zap.String("subject", subject))
		return
	}
	n.queue.Enqueue(Message{To: recipients, Subject: subject, Body: body, Critical: true})
}
