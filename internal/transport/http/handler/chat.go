package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bookchat/internal/app"
	"bookchat/internal/transport/http/middleware"
	"bookchat/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
}

type StartConversationRequest struct {
	Question string `json:"question" binding:"required,max=5000"`
}

type ContinueConversationRequest struct {
	Question string `json:"question" binding:"required,max=5000"`
}

func NewChatHandler(chatService *app.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

func (h *ChatHandler) StartConversation(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.chatService.StartConversation(c.Request.Context(), app.StartConversationInput{
		UserID:   userID,
		Question: req.Question,
	})
	if err != nil {
		writeChatError(c, err, "start conversation failed")
		return
	}

	response.OK(c, result)
}

func (h *ChatHandler) ContinueConversation(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, err := parseUintParam(c, "id")
	if err != nil || conversationID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	var req ContinueConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.chatService.ContinueConversation(c.Request.Context(), app.ContinueConversationInput{
		UserID:         userID,
		ConversationID: conversationID,
		Question:       req.Question,
	})
	if err != nil {
		writeChatError(c, err, "continue conversation failed")
		return
	}

	response.OK(c, result)
}

func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversations, err := h.chatService.ListConversations(c.Request.Context(), userID)
	if err != nil {
		writeChatError(c, err, "list conversations failed")
		return
	}

	response.OK(c, conversations)
}

func (h *ChatHandler) GetHistory(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, err := parseUintParam(c, "id")
	if err != nil || conversationID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	history, err := h.chatService.GetConversationHistory(c.Request.Context(), userID, conversationID, limit)
	if err != nil {
		writeChatError(c, err, "get history failed")
		return
	}

	response.OK(c, history)
}

func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, err := parseUintParam(c, "id")
	if err != nil || conversationID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	if err := h.chatService.DeleteConversation(c.Request.Context(), userID, conversationID); err != nil {
		writeChatError(c, err, "delete conversation failed")
		return
	}

	response.OK(c, gin.H{"deleted_conversation_id": conversationID})
}

func writeChatError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrMessageEmpty):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrUserNotFound):
		response.Error(c, http.StatusNotFound, response.CodeUserNotFound, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
	case errors.Is(err, app.ErrNotOwner):
		response.Error(c, http.StatusForbidden, response.CodeNotOwner, err.Error())
	case errors.Is(err, app.ErrGenerationUnavailable):
		response.Error(c, http.StatusServiceUnavailable, response.CodeGenerationUnavailable, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok
}

func parseUintParam(c *gin.Context, key string) (uint, error) {
	u, err := strconv.ParseUint(c.Param(key), 10, 64)
	return uint(u), err
}
