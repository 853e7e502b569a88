package models

import "time"

// MessageStatus represents valid delivery record statuses
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

// Message is the delivery record written once a user has been reached
type Message struct {
	ID           int64         `json:"id" db:"id"`
	TaskID       int64         `json:"task_id" db:"task_id"`
	UserID       int64         `json:"user_id" db:"user_id"`
	TemplateID   int64         `json:"template_id" db:"template_id"`
	Content      string        `json:"content" db:"content"`
	Status       MessageStatus `json:"status" db:"status"`
	SentAt       *time.Time    `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt  *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
	ErrorMessage *string       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// IsDelivered checks if the message reached the recipient
func (m *Message) IsDelivered() bool {
	return m.Status == MessageStatusSent
}
