// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Delivery
// model used to absorb redelivered gateway commands.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-bot/internal/domain"
)

// ErrDuplicate indicates that a unique key already exists, e.g. a delivery
// receipt for the same (user_id, message_id) or a topic with the same name.
var ErrDuplicate = errors.New("duplicate")

// GetDelivery returns a non-expired receipt or ErrNotFound.
func GetDelivery(ctx context.Context, db *gorm.DB, userID, messageID string, now time.Time) (*domain.Delivery, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Delivery
	err := db.WithContext(ctx).
		Where("user_id = ? AND message_id = ? AND expires_at > ?", userID, messageID, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateDelivery inserts a receipt and returns ErrDuplicate on unique violation.
func CreateDelivery(ctx context.Context, db *gorm.DB, userID, messageID, command string, status int, ttl time.Duration) (*domain.Delivery, error) {
	now := time.Now().UTC()
	rec := &domain.Delivery{
		ID:        uuid.NewString(),
		UserID:    userID,
		MessageID: messageID,
		Command:   command,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredDeliveries removes receipts that expired before now.
func PurgeExpiredDeliveries(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.Delivery{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation detects unique-constraint violations across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}
