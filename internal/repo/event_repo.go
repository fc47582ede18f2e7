// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Event
// model and its parent links.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business rules, only
// persistence and query composition. Descriptions are stored exactly as
// given; encoding is the caller's concern.
//
// Error semantics:
//   - When an event is not found, functions return ErrNotFound
//     (an alias of gorm.ErrRecordNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-event-bot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer.
var ErrNotFound = gorm.ErrRecordNotFound

// activeClause selects rows that are not retired at the bound instant.
const activeClause = "(retire_date IS NULL OR retire_date > ?)"

// activeOrder lists undated events first, then by date, then by id. NULLs are
// placed explicitly since drivers disagree on where they sort.
const activeOrder = "CASE WHEN event_date_time IS NULL THEN 0 ELSE 1 END, event_date_time ASC, id ASC"

// CreateEvent inserts ev and fills in its store-assigned ID.
func CreateEvent(ctx context.Context, db *gorm.DB, ev *domain.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(ev).Error
}

// GetEvent fetches an event by id regardless of status.
func GetEvent(ctx context.Context, db *gorm.DB, id int64) (*domain.Event, error) {
	var ev domain.Event
	if err := db.WithContext(ctx).Where("id = ?", id).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEventBySlug fetches an event by its launch slug regardless of status.
func GetEventBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Event, error) {
	var ev domain.Event
	if err := db.WithContext(ctx).Where("launch_slug = ?", slug).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetActiveEventBySourceMessage resolves the active event announced by
// messageID.
func GetActiveEventBySourceMessage(ctx context.Context, db *gorm.DB, messageID string, now time.Time) (*domain.Event, error) {
	var ev domain.Event
	err := db.WithContext(ctx).
		Where("source_message_id = ?", messageID).
		Where(activeClause, now).
		Order("id ASC").
		First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListActiveEvents returns events active at now ordered by (event_date_time,
// id). An empty serverID lists every server.
func ListActiveEvents(ctx context.Context, db *gorm.DB, serverID string, now time.Time) ([]domain.Event, error) {
	var out []domain.Event
	q := db.WithContext(ctx).Where(activeClause, now)
	if serverID != "" {
		q = q.Where("server_id = ?", serverID)
	}
	err := q.Order(activeOrder).Find(&out).Error
	return out, err
}

// ListActiveEventsByID returns the active events among ids, ordered by
// (event_date_time, id).
func ListActiveEventsByID(ctx context.Context, db *gorm.DB, ids []int64, now time.Time) ([]domain.Event, error) {
	if len(ids) == 0 {
		return []domain.Event{}, nil
	}
	var out []domain.Event
	err := db.WithContext(ctx).
		Where("id IN ?", ids).
		Where(activeClause, now).
		Order(activeOrder).
		Find(&out).Error
	return out, err
}

// UpdateEventFields applies a partial update to the event with id. It
// returns ErrNotFound when no row matched.
func UpdateEventFields(ctx context.Context, db *gorm.DB, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Event{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSourceMessage records the announcement message of an event.
func SetSourceMessage(ctx context.Context, db *gorm.DB, id int64, messageID string) error {
	return UpdateEventFields(ctx, db, id, map[string]any{"source_message_id": messageID})
}

// RetireEvent stamps retire_date and removes every subscription to the
// event in one transaction. It returns the number of removed subscriptions.
// Already-retired events are left untouched and yield ErrNotFound.
func RetireEvent(ctx context.Context, db *gorm.DB, id int64, at time.Time) (int64, error) {
	var removed int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Event{}).
			Where("id = ?", id).
			Where(activeClause, at).
			Update("retire_date", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		n, err := DeleteSubscriptionsForEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

// LinkParent records parentID as a parent of eventID. Linking twice is a
// no-op.
func LinkParent(ctx context.Context, db *gorm.DB, eventID, parentID int64) error {
	link := &domain.EventParent{EventID: eventID, ParentID: parentID, CreatedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(link).Error
}

// UnlinkParent removes the link if present.
func UnlinkParent(ctx context.Context, db *gorm.DB, eventID, parentID int64) error {
	return db.WithContext(ctx).
		Where("event_id = ? AND parent_id = ?", eventID, parentID).
		Delete(&domain.EventParent{}).Error
}

// ListParentIDs returns the direct parents of eventID in ascending order.
func ListParentIDs(ctx context.Context, db *gorm.DB, eventID int64) ([]int64, error) {
	var ids []int64
	err := db.WithContext(ctx).
		Model(&domain.EventParent{}).
		Where("event_id = ?", eventID).
		Order("parent_id ASC").
		Pluck("parent_id", &ids).Error
	return ids, err
}

// ListChildIDs returns the direct children of parentID in ascending order.
func ListChildIDs(ctx context.Context, db *gorm.DB, parentID int64) ([]int64, error) {
	var ids []int64
	err := db.WithContext(ctx).
		Model(&domain.EventParent{}).
		Where("parent_id = ?", parentID).
		Order("event_id ASC").
		Pluck("event_id", &ids).Error
	return ids, err
}
