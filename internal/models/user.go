package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Platform represents a social platform a profile was discovered on
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformTwitter   Platform = "twitter"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
	PlatformLinkedIn  Platform = "linkedin"
)

// Platforms lists every supported platform
var Platforms = []Platform{
	PlatformInstagram,
	PlatformFacebook,
	PlatformTwitter,
	PlatformTikTok,
	PlatformYouTube,
	PlatformLinkedIn,
}

// ProfileData holds free-form profile attributes collected at discovery time
type ProfileData map[string]interface{}

// Value implements driver.Valuer for JSONB storage
func (p ProfileData) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSONB storage
func (p *ProfileData) Scan(src interface{}) error {
	return scanJSON(src, p)
}

// User represents a discovered profile that can be messaged
type User struct {
	ID          int64       `json:"id" db:"id"`
	Platform    Platform    `json:"platform" db:"platform"`
	Username    string      `json:"username" db:"username"`
	DisplayName *string     `json:"display_name,omitempty" db:"display_name"`
	ProfileData ProfileData `json:"profile_data" db:"profile_data"`
	Contacted   bool        `json:"contacted" db:"contacted"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Name returns the display name, falling back to the username
func (u *User) Name() string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}

// UserGroup represents a named collection of users
type UserGroup struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TaskUser is a target user annotated with its delivery outcome for a task
type TaskUser struct {
	UserID      int64   `json:"user_id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name"`
	Status      string  `json:"status"`
}
