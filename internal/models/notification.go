package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Notification priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification categories
const (
	CategoryKYCApproved = "kyc_approved"
	CategoryKYCRejected = "kyc_rejected"
)

// Delivery statuses of the outbox
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliverySkipped   = "skipped" // in-app only, nothing to push
)

// Notification is an outbox row addressed to one user
type Notification struct {
	ID                uuid.UUID  `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	UserID            uuid.UUID  `json:"user_id" gorm:"column:user_id;type:uuid;not null;index"`
	Category          string     `json:"category" gorm:"column:category;not null"`
	Title             string     `json:"title" gorm:"column:title;not null"`
	Body              string     `json:"body" gorm:"column:body;not null"`
	Priority          string     `json:"priority" gorm:"column:priority;not null;default:normal"`
	RelatedEntityType string     `json:"related_entity_type,omitempty" gorm:"column:related_entity_type"`
	RelatedEntityID   *uuid.UUID `json:"related_entity_id,omitempty" gorm:"column:related_entity_id;type:uuid"`
	ReadAt            *time.Time `json:"read_at,omitempty" gorm:"column:read_at"`
	DeliveryStatus    string     `json:"delivery_status" gorm:"column:delivery_status;not null;default:pending"`
	ProviderMessageID string     `json:"-" gorm:"column:provider_message_id;index"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty" gorm:"column:delivered_at"`
	CreatedAt         time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (Notification) TableName() string { return "notifications" }

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.DeliveryStatus == "" {
		n.DeliveryStatus = DeliveryPending
	}
	return nil
}
