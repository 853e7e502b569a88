package models

import "time"

// MessageTemplate represents message content with {placeholder} tokens
type MessageTemplate struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Content   string    `json:"content" db:"content"`
	Platform  Platform  `json:"platform" db:"platform"`
	Variables []string  `json:"variables" db:"variables"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
