package model

import (
	"fmt"
	"time"
)

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"size:64;not null;uniqueIndex" json:"username"`
	Email        string    `gorm:"size:128;not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserNamespace returns the vector-index partition holding a user's passages.
// Computed once when a document or conversation is created; readers use the
// value stored on those records, never a recomputed one.
func UserNamespace(userID uint) string {
	return fmt.Sprintf("user_%d", userID)
}
