// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Topic
// model. Names are stored exactly as given; the service encodes them.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-bot/internal/domain"
)

// CreateTopic inserts a topic stamped as never used. A duplicate name in the
// same channel yields ErrDuplicate.
func CreateTopic(ctx context.Context, db *gorm.DB, serverID, channelID, name string) (*domain.Topic, error) {
	t := &domain.Topic{
		ServerID:   serverID,
		ChannelID:  channelID,
		Name:       name,
		LastUsedAt: domain.TopicNeverUsed,
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return t, nil
}

// DeleteTopic removes the named topic from a channel and reports how many
// rows went.
func DeleteTopic(ctx context.Context, db *gorm.DB, serverID, channelID, name string) (int64, error) {
	res := db.WithContext(ctx).
		Where("server_id = ? AND channel_id = ? AND name = ?", serverID, channelID, name).
		Delete(&domain.Topic{})
	return res.RowsAffected, res.Error
}

// ListTopics returns a channel's topics in insertion order.
func ListTopics(ctx context.Context, db *gorm.DB, serverID, channelID string) ([]domain.Topic, error) {
	var out []domain.Topic
	err := db.WithContext(ctx).
		Where("server_id = ? AND channel_id = ?", serverID, channelID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// MarkTopicUsed increments use_count and stamps who used the topic and when.
func MarkTopicUsed(ctx context.Context, db *gorm.DB, id int64, userID string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Topic{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"use_count":    gorm.Expr("use_count + 1"),
			"last_used_at": at,
			"last_used_by": userID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
