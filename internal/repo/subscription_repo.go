// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Subscription model.
//
// Subscribing is idempotent: the (event_id, user_id) primary key absorbs a
// repeated insert through ON CONFLICT DO NOTHING, so concurrent duplicate
// subscribes settle on a single row.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-event-bot/internal/domain"
)

// Subscribe inserts a subscription; an existing one is left as-is.
func Subscribe(ctx context.Context, db *gorm.DB, eventID int64, userID string) error {
	sub := &domain.Subscription{EventID: eventID, UserID: userID, CreatedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(sub).Error
}

// Unsubscribe deletes a single subscription and reports how many rows went.
func Unsubscribe(ctx context.Context, db *gorm.DB, eventID int64, userID string) (int64, error) {
	res := db.WithContext(ctx).
		Where("event_id = ? AND user_id = ?", eventID, userID).
		Delete(&domain.Subscription{})
	return res.RowsAffected, res.Error
}

// UnsubscribeMany deletes the user's subscriptions to every id in eventIDs.
func UnsubscribeMany(ctx context.Context, db *gorm.DB, userID string, eventIDs []int64) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Where("user_id = ? AND event_id IN ?", userID, eventIDs).
		Delete(&domain.Subscription{})
	return res.RowsAffected, res.Error
}

// DeleteSubscriptionsForEvent removes every subscription to eventID.
func DeleteSubscriptionsForEvent(ctx context.Context, db *gorm.DB, eventID int64) (int64, error) {
	res := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Delete(&domain.Subscription{})
	return res.RowsAffected, res.Error
}

// HasSubscription reports whether userID is subscribed to eventID.
func HasSubscription(ctx context.Context, db *gorm.DB, eventID int64, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("event_id = ? AND user_id = ?", eventID, userID).
		Count(&n).Error
	return n > 0, err
}

// ListUserSubscriptions returns the user's subscriptions ordered by event id.
func ListUserSubscriptions(ctx context.Context, db *gorm.DB, userID string) ([]domain.Subscription, error) {
	var out []domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("event_id ASC").
		Find(&out).Error
	return out, err
}

// ListSubscriberIDs returns the distinct users subscribed to any of
// eventIDs, ordered by user id.
func ListSubscriberIDs(ctx context.Context, db *gorm.DB, eventIDs []int64) ([]string, error) {
	if len(eventIDs) == 0 {
		return []string{}, nil
	}
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Distinct("user_id").
		Where("event_id IN ?", eventIDs).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}
