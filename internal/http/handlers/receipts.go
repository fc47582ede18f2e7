package handlers

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-bot/internal/repo"
)

// Receipts remembers which chat messages already had their command run.
type Receipts interface {
	Seen(ctx context.Context, userID, messageID string, now time.Time) (bool, error)
	// Record stores a receipt. A concurrent duplicate is not an error.
	Record(ctx context.Context, userID, messageID, command string, status int) error
}

// DBReceipts keeps receipts in the deliveries table for TTL.
type DBReceipts struct {
	DB  *gorm.DB
	TTL time.Duration
}

var _ Receipts = (*DBReceipts)(nil)

func (r *DBReceipts) Seen(ctx context.Context, userID, messageID string, now time.Time) (bool, error) {
	_, err := repo.GetDelivery(ctx, r.DB, userID, messageID, now)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (r *DBReceipts) Record(ctx context.Context, userID, messageID, command string, status int) error {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_, err := repo.CreateDelivery(ctx, r.DB, userID, messageID, command, status, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}
