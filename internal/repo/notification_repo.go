// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// append-only Notification log.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-bot/internal/domain"
)

// CreateNotification appends a notification row.
func CreateNotification(ctx context.Context, db *gorm.DB, n *domain.Notification) error {
	if n.NotifyDateTime.IsZero() {
		n.NotifyDateTime = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(n).Error
}

// ListNotifications returns the history of eventID ordered deterministically
// (notify_date_time ASC, id ASC).
func ListNotifications(ctx context.Context, db *gorm.DB, eventID int64) ([]domain.Notification, error) {
	var out []domain.Notification
	err := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("notify_date_time ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountNotifications uses a raw COUNT so a missing table surfaces as an error.
func CountNotifications(ctx context.Context, db *gorm.DB, eventID int64) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM notifications WHERE event_id = ?", eventID).Scan(&total).Error
	return total, err
}
