package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"bookchat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// ListAllByConversationID returns every turn in creation order. The id
// tie-break keeps ordering stable when two turns share a created_at tick.
// No limit is applied; callers that want a bound trim the result or use
// ListRecentByConversationID.
func (r *MessageRepository) ListAllByConversationID(ctx context.Context, conversationID uint) ([]model.Message, error) {
	var messages []model.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

// ListRecentByConversationID returns the most recent n turns, still in
// creation order.
func (r *MessageRepository) ListRecentByConversationID(ctx context.Context, conversationID uint, n int) ([]model.Message, error) {
	if n <= 0 {
		return nil, nil
	}

	var recent []model.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&recent).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func (r *MessageRepository) DeleteByConversationID(ctx context.Context, conversationID uint) error {
	if err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete messages by conversation failed: %w", err)
	}
	return nil
}
