package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/storage"
	"github.com/rentpe/rentpe-backend/internal/utils"
)

const (
	defaultInterval = 30 * time.Second
	defaultBatch    = 50
)

// SMSSender delivers a text message and returns the provider message id
type SMSSender interface {
	CanSendSMS() bool
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// NotificationJob drains the outbox: high priority notifications are pushed
// by SMS, everything else stays in-app.
type NotificationJob struct {
	store    storage.Store
	sms      SMSSender
	clock    clock.Clock
	metrics  *metrics.Metrics
	interval time.Duration
	batch    int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewNotificationJob creates a new notification dispatcher
func NewNotificationJob(store storage.Store, sms SMSSender, clk clock.Clock, m *metrics.Metrics) *NotificationJob {
	return &NotificationJob{
		store:    store,
		sms:      sms,
		clock:    clk,
		metrics:  m,
		interval: defaultInterval,
		batch:    defaultBatch,
	}
}

// WithInterval sets how often the outbox is polled
func (n *NotificationJob) WithInterval(d time.Duration) *NotificationJob {
	n.interval = d
	return n
}

// Start begins polling the outbox until Stop is called or ctx ends
func (n *NotificationJob) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		log.Println("Notification job already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})
	n.running = true
	log.Printf("Starting notification dispatcher (every %v)", n.interval)

	go n.loop(ctx, n.done)
}

// Stop halts the dispatcher and waits for the current batch to finish
func (n *NotificationJob) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	log.Println("Stopping notification dispatcher...")
	cancel()
	<-done
}

func (n *NotificationJob) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.clock.After(n.interval):
			n.RunOnce(ctx)
		}
	}
}

// RunOnce dispatches one batch and returns how many notifications it settled
func (n *NotificationJob) RunOnce(ctx context.Context) int {
	pending, err := n.store.PendingNotifications(ctx, models.PriorityHigh, n.batch)
	if err != nil {
		log.Printf("Error loading pending notifications: %v", err)
		return 0
	}

	settled := 0
	for _, note := range pending {
		if ctx.Err() != nil {
			break
		}
		if n.deliver(ctx, note) {
			settled++
		}
	}
	if settled > 0 {
		log.Printf("Notifications dispatched: %d", settled)
	}
	return settled
}

func (n *NotificationJob) deliver(ctx context.Context, note *models.Notification) bool {
	phone := n.recipientPhone(ctx, note)
	if !utils.IsCanonicalIndianPhone(phone) || !n.sms.CanSendSMS() {
		return n.mark(ctx, note, models.DeliverySkipped, "")
	}

	sid, err := n.sms.SendSMS(ctx, phone, note.Title+": "+note.Body)
	if err != nil {
		log.Printf("Failed to send notification %s to %s: %v", note.ID, utils.MaskPhone(phone), err)
		return n.mark(ctx, note, models.DeliveryFailed, "")
	}
	return n.mark(ctx, note, models.DeliverySent, sid)
}

// recipientPhone prefers a well-formed profile phone and falls back to the
// verified phone of the user's KYC case
func (n *NotificationJob) recipientPhone(ctx context.Context, note *models.Notification) string {
	p, err := n.store.GetProfile(ctx, note.UserID)
	if err == nil && utils.IsCanonicalIndianPhone(p.Phone) {
		return p.Phone
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("Error loading profile %s: %v", note.UserID, err)
	}

	c, err := n.store.GetKYCCase(ctx, note.UserID)
	if err == nil && c.PhoneVerified() {
		return c.Phone
	}
	return ""
}

func (n *NotificationJob) mark(ctx context.Context, note *models.Notification, status, sid string) bool {
	if err := n.store.MarkNotificationDelivery(ctx, note.ID, status, sid, n.clock.Now()); err != nil {
		log.Printf("Error updating notification %s: %v", note.ID, err)
		return false
	}
	n.metrics.NotificationDelivery(status)
	return true
}
