package domain

import "time"

// Delivery records that a command carried by a gateway message was already
// processed, keyed by (user_id, message_id). It lets the webhook absorb
// redeliveries from the chat bridge without re-running side effects.
type Delivery struct {
	ID        string    `gorm:"type:varchar(36);not null;primaryKey"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_delivery_user_msg,priority:1"`
	MessageID string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_delivery_user_msg,priority:2"`
	Command   string    `gorm:"type:varchar(64);not null;default:''"`
	Status    int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Delivery) TableName() string { return "deliveries" }
