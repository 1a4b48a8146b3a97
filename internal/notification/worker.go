package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"parking-sync-backend/internal/model"
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

// jobsPerWorker sizes the queue so a write freeing several spots never blocks.
const jobsPerWorker = 16

// WorkerPool manages a pool of workers for sending spot availability alerts.
type WorkerPool struct {
	size    int
	jobs    chan string
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	logger  *slog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan string, size*jobsPerWorker),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger.With("component", "notification"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("worker started", "worker", id)
	for {
		select {
		case spotID := <-wp.jobs:
			wp.sendNotificationsForSpot(ctx, spotID)
		case <-ctx.Done():
			wp.logger.Debug("worker shutting down", "worker", id)
			return
		}
	}
}

// SpotFreed queues alerts for a spot that just became available. It never
// blocks; when the queue is full the alert is dropped.
func (wp *WorkerPool) SpotFreed(spotID string) {
	select {
	case wp.jobs <- spotID:
	default:
		wp.logger.Warn("notification queue full, dropping alert", "spot", spotID)
	}
}

func (wp *WorkerPool) sendNotificationsForSpot(ctx context.Context, spotID string) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN spot_watches sw ON sw.endpoint = push_subscriptions.endpoint").
		Where("sw.spot_id = ?", spotID).
		Find(&subscriptions).Error
	if err != nil {
		wp.logger.Error("failed to fetch subscriptions", "spot", spotID, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	wp.logger.Info("sending spot alerts", "spot", spotID, "count", len(subscriptions))
	message := fmt.Sprintf("Spot %s is now available", spotID)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, []byte(message))
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
		wp.logger.Warn("failed to send notification", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := DeleteSubscription(ctx, wp.db, sub.Endpoint); err != nil {
			wp.logger.Error("failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
	}
}

// DeleteSubscription removes a subscription and the spots it watches.
func DeleteSubscription(ctx context.Context, db *gorm.DB, endpoint string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", endpoint).Delete(&model.SpotWatch{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.PushSubscription{Endpoint: endpoint}).Error
	})
}
