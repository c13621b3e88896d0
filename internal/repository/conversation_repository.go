package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bookchat/internal/model"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// CreateWithExchange inserts the conversation and its first (user, assistant)
// turn pair in one transaction. A conversation row is never visible without
// its first exchange.
func (r *ConversationRepository) CreateWithExchange(ctx context.Context, conv *model.Conversation, userMsg, assistantMsg *model.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		userMsg.ConversationID = conv.ID
		assistantMsg.ConversationID = conv.ID
		if err := tx.Create(userMsg).Error; err != nil {
			return err
		}
		return tx.Create(assistantMsg).Error
	})
	if err != nil {
		return fmt.Errorf("create conversation with exchange failed: %w", err)
	}
	return nil
}

// AppendExchange appends a (user, assistant) turn pair and bumps the
// conversation's updated_at, all in one transaction. A user turn is never
// stored without its paired assistant turn.
func (r *ConversationRepository) AppendExchange(ctx context.Context, conversationID uint, userMsg, assistantMsg *model.Message) error {
	userMsg.ConversationID = conversationID
	assistantMsg.ConversationID = conversationID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(userMsg).Error; err != nil {
			return err
		}
		if err := tx.Create(assistantMsg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", time.Now()).Error
	})
	if err != nil {
		return fmt.Errorf("append exchange failed: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &conv, nil
}

func (r *ConversationRepository) ListByUserID(ctx context.Context, userID uint) ([]model.Conversation, error) {
	var list []model.Conversation
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list conversations failed: %w", err)
	}
	return list, nil
}

func (r *ConversationRepository) DeleteByIDAndUserID(ctx context.Context, id, userID uint) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&model.Conversation{}).Error; err != nil {
		return fmt.Errorf("delete conversation failed: %w", err)
	}
	return nil
}

// UpdateTurnCache overwrites the denormalized turn projection. Used by the
// cache refresh worker only; the messages table stays authoritative.
func (r *ConversationRepository) UpdateTurnCache(ctx context.Context, id uint, cache string) error {
	if err := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ?", id).
		Update("turn_cache", cache).Error; err != nil {
		return fmt.Errorf("update turn cache failed: %w", err)
	}
	return nil
}
