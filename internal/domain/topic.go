package domain

import "time"

// TopicNeverUsed is the LastUsedAt sentinel for topics that were never spun.
var TopicNeverUsed = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// Topic is a conversation prompt owned by a server channel. Spinning picks
// one at random, weighted toward topics that have rested longest.
type Topic struct {
	ID         int64     `json:"id"           gorm:"primaryKey;autoIncrement"`
	ServerID   string    `json:"server_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_topics_channel_name,priority:1"`
	ChannelID  string    `json:"channel_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_topics_channel_name,priority:2"`
	Name       string    `json:"name"         gorm:"type:text;not null;uniqueIndex:ux_topics_channel_name,priority:3"`
	UseCount   int       `json:"use_count"    gorm:"not null;default:0"`
	LastUsedAt time.Time `json:"last_used_at" gorm:"not null"`
	LastUsedBy string    `json:"last_used_by" gorm:"type:varchar(64);not null;default:''"`
}

// TableName returns the database table name for Topic.
func (Topic) TableName() string { return "topics" }
