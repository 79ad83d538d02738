package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"calibration-backend/internal/model"
	"calibration-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Payload is the JSON body delivered to the service worker.
type Payload struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Machine string `json:"machine"`
	ID      int64  `json:"id"`
}

// WorkerPool sends failed-calibration alerts in the background.
type WorkerPool struct {
	size    int
	jobs    chan model.Record
	store   store.Store
	webpush *webpush.Options
	sender  NotificationSender
	logger  *slog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, st store.Store, webpushOptions *webpush.Options, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan model.Record, size*16),
		store:   st,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		logger:  logger.With("component", "notification"),
	}
}

// Start launches the worker goroutines. They stop when ctx is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("worker started", "worker", id)
	for {
		select {
		case rec := <-wp.jobs:
			wp.sendAlertsForRecord(ctx, rec)
		case <-ctx.Done():
			wp.logger.Debug("worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues an alert for rec. It never blocks the caller: when the
// queue is full the alert is dropped.
func (wp *WorkerPool) Dispatch(rec model.Record) {
	select {
	case wp.jobs <- rec:
	default:
		wp.logger.Warn("alert queue full, dropping alert", "record", rec.ID, "machine", rec.Machine)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan model.Record {
	return wp.jobs
}

func buildPayload(rec model.Record) ([]byte, error) {
	body := fmt.Sprintf("%s failed calibration on %s (%s)",
		rec.Machine, rec.Date.UTC().Format("2006-01-02"), rec.Calibrator)
	return json.Marshal(Payload{
		Title:   "Calibration failed",
		Body:    body,
		Machine: rec.Machine,
		ID:      rec.ID,
	})
}

func (wp *WorkerPool) sendAlertsForRecord(ctx context.Context, rec model.Record) {
	subscriptions, err := wp.store.SubscriptionsForMachine(ctx, rec.Machine)
	if err != nil {
		wp.logger.Error("error fetching subscriptions", "machine", rec.Machine, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := buildPayload(rec)
	if err != nil {
		wp.logger.Error("error encoding alert", "record", rec.ID, "error", err)
		return
	}

	wp.logger.Info("sending failed-calibration alerts", "machine", rec.Machine, "count", len(subscriptions))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Error("error sending notification", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		wp.logger.Info("subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Error("failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
	}
}
