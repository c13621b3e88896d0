package model

import "time"

// Document records an uploaded file. Its ingested passages live only in the
// vector index under Namespace; the record itself carries no passage data.
type Document struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	Title       string    `gorm:"size:200;not null" json:"title"`
	Author      string    `gorm:"size:100" json:"author,omitempty"`
	Filename    string    `gorm:"size:256;not null" json:"filename"`
	StoragePath string    `gorm:"size:512;not null" json:"storage_path"`
	Namespace   string    `gorm:"size:64;not null;index" json:"namespace"`
	CreatedAt   time.Time `json:"created_at"`
}
