package authcore

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Notification kinds delivered to the configured Notifier.
const (
	notifyPasswordReset     = "password_reset"
	notifyPasswordChanged   = "password_changed"
	notifyEmailVerification = "email_verification"
	notifyAccountLocked     = "account_locked"
)

// Notification is one outbound security message. Challenge carries the
// deliverable secret for reset and verification kinds and is empty
// otherwise; it must never be logged.
type Notification struct {
	Kind       string
	Email      string
	IdentityID string
	Challenge  string
	At         time.Time
}

// Notifier delivers notifications to the outside world. Implementations
// are called from a single dispatcher goroutine and may block briefly;
// sustained slowness only fills the queue, never login paths.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NoOpNotifier discards notifications.
type NoOpNotifier struct{}

func (NoOpNotifier) Send(context.Context, Notification) error { return nil }

// NotifierFunc adapts a function to the [Notifier] interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// SMTPNotifier sends plain-text mail over an SMTP relay. It is a minimal
// integration point; production deployments usually wrap their own mail
// pipeline in a [Notifier] instead.
type SMTPNotifier struct {
	Addr string
	From string
	Auth smtp.Auth
}

func (s *SMTPNotifier) Send(_ context.Context, n Notification) error {
	subject, body := renderNotification(n)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", s.From, n.Email, subject, body)
	return smtp.SendMail(s.Addr, s.Auth, s.From, []string{n.Email}, []byte(msg))
}

func renderNotification(n Notification) (subject, body string) {
	switch n.Kind {
	case notifyPasswordReset:
		return "Password reset requested",
			"A password reset was requested for your account.\r\nReset code: " + n.Challenge
	case notifyPasswordChanged:
		return "Your password was changed",
			"Your account password was changed. If this was not you, reset it immediately."
	case notifyEmailVerification:
		return "Verify your email address",
			"Verification code: " + n.Challenge
	case notifyAccountLocked:
		return "Account temporarily locked",
			"Your account was locked after repeated failed sign-in attempts."
	default:
		return "Security notification", "A security event occurred on your account."
	}
}

// notifyDispatcher queues notifications and delivers them from a single
// goroutine behind a token-bucket limiter so a burst of lockouts cannot
// flood the relay. Nil dispatcher drops everything silently.
type notifyDispatcher struct {
	notifier Notifier
	queue    chan Notification
	limiter  *rate.Limiter
	quit     chan struct{}
	wg       sync.WaitGroup
	dropped  atomic.Uint64
	closed   atomic.Bool
	once     sync.Once
}

func newNotifyDispatcher(cfg NotifyConfig, notifier Notifier) *notifyDispatcher {
	if !cfg.Enabled || notifier == nil {
		return nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	d := &notifyDispatcher{
		notifier: notifier,
		queue:    make(chan Notification, cfg.QueueSize),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.Burst),
		quit:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *notifyDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.quit:
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *notifyDispatcher) deliver(n Notification) {
	if err := d.limiter.Wait(context.Background()); err != nil {
		return
	}
	if err := d.notifier.Send(context.Background(), n); err != nil {
		log.Printf("authcore: notification send failed: %v", err)
	}
}

// Enqueue never blocks; a full queue drops the notification and counts it.
func (d *notifyDispatcher) Enqueue(n Notification) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.queue <- n:
	case <-d.quit:
	default:
		d.dropped.Add(1)
	}
}

func (d *notifyDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close drains queued notifications and stops the worker.
func (d *notifyDispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.quit)
		d.wg.Wait()
	})
}

// notify enqueues a notification for identity, tracking drops in metrics.
func (e *Engine) notify(_ context.Context, kind string, identity *Identity, challenge string) {
	if e == nil || e.notifier == nil {
		return
	}

	before := e.notifier.Dropped()
	e.notifier.Enqueue(Notification{
		Kind:       kind,
		Email:      identity.Email,
		IdentityID: identity.ID,
		Challenge:  challenge,
		At:         time.Now(),
	})
	if e.notifier.Dropped() > before {
		e.metrics.Inc(MetricNotifyDropped)
	}
}
