package model

import (
	"encoding/json"
	"time"
)

// CachedTurn is the shape stored in the conversation's denormalized turn
// cache. The cache is a rebuildable projection of the messages table; the
// messages table stays authoritative and readers reconstructing history must
// not rely on cache ordering.
type CachedTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Title     string    `gorm:"size:128;not null" json:"title"`
	Namespace string    `gorm:"size:64;not null" json:"namespace"`
	TurnCache string    `gorm:"type:text" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CachedTurns returns the parsed turn cache; empty on parse error.
func (c *Conversation) CachedTurns() []CachedTurn {
	if c.TurnCache == "" {
		return nil
	}
	var turns []CachedTurn
	_ = json.Unmarshal([]byte(c.TurnCache), &turns)
	return turns
}

// SetCachedTurns stores the projection as JSON.
func (c *Conversation) SetCachedTurns(turns []CachedTurn) {
	if len(turns) == 0 {
		c.TurnCache = "[]"
		return
	}
	b, _ := json.Marshal(turns)
	c.TurnCache = string(b)
}
