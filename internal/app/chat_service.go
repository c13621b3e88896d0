package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"bookchat/internal/ai"
	"bookchat/internal/model"
	"bookchat/internal/platform/rabbitmq"
	"bookchat/internal/prompt"
	"bookchat/internal/retrieval"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrMessageEmpty          = errors.New("message content is empty")
	ErrUserNotFound          = errors.New("user not found")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrNotOwner              = errors.New("conversation belongs to another user")
	ErrGenerationUnavailable = errors.New("generation unavailable")
)

// titlePrefixLen is the fixed prefix of the first assistant answer used as
// the conversation title.
const titlePrefixLen = 30

type ConversationStore interface {
	CreateWithExchange(ctx context.Context, conv *model.Conversation, userMsg, assistantMsg *model.Message) error
	AppendExchange(ctx context.Context, conversationID uint, userMsg, assistantMsg *model.Message) error
	GetByID(ctx context.Context, id uint) (*model.Conversation, error)
	ListByUserID(ctx context.Context, userID uint) ([]model.Conversation, error)
	DeleteByIDAndUserID(ctx context.Context, id, userID uint) error
}

type MessageStore interface {
	ListAllByConversationID(ctx context.Context, conversationID uint) ([]model.Message, error)
	ListRecentByConversationID(ctx context.Context, conversationID uint, n int) ([]model.Message, error)
	DeleteByConversationID(ctx context.Context, conversationID uint) error
}

type UserStore interface {
	GetByID(ctx context.Context, id uint) (*model.User, error)
}

type PassageRetriever interface {
	Retrieve(ctx context.Context, namespace, query string, k int) ([]retrieval.Passage, error)
}

type AnswerGenerator interface {
	Complete(ctx context.Context, messages []ai.ChatMessage) (string, error)
}

type CacheRefreshPublisher interface {
	Publish(ctx context.Context, event rabbitmq.CacheRefreshEvent) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, conversationID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, conversationID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, conversationID uint) error
	MarkDirty(ctx context.Context, conversationID uint) error
	IsDirty(ctx context.Context, conversationID uint) (bool, error)
}

// ChatService orchestrates conversations: retrieve passages scoped to the
// requesting user, assemble a bounded prompt, invoke the model, persist the
// exchange durably and in order.
type ChatService struct {
	userStore       UserStore
	convStore       ConversationStore
	messageStore    MessageStore
	retriever       PassageRetriever
	generator       AnswerGenerator
	publisher       CacheRefreshPublisher
	historyCache    HistoryCache
	topK            int
	maxContextTurns int

	locks conversationLocks
}

func NewChatService(
	userStore UserStore,
	convStore ConversationStore,
	messageStore MessageStore,
	retriever PassageRetriever,
	generator AnswerGenerator,
	publisher CacheRefreshPublisher,
	historyCache HistoryCache,
	topK int,
	maxContextTurns int,
) *ChatService {
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}
	if maxContextTurns <= 0 {
		maxContextTurns = 20
	}
	return &ChatService{
		userStore:       userStore,
		convStore:       convStore,
		messageStore:    messageStore,
		retriever:       retriever,
		generator:       generator,
		publisher:       publisher,
		historyCache:    historyCache,
		topK:            topK,
		maxContextTurns: maxContextTurns,
	}
}

type StartConversationInput struct {
	UserID   uint
	Question string
}

type StartConversationResult struct {
	ConversationID uint   `json:"conversation_id,omitempty"`
	Answer         string `json:"answer"`
	Persisted      bool   `json:"persisted"`
	ContextUsed    bool   `json:"context_used"`
}

type ContinueConversationInput struct {
	UserID         uint
	ConversationID uint
	Question       string
}

type ContinueConversationResult struct {
	Answer      string `json:"answer"`
	Persisted   bool   `json:"persisted"`
	ContextUsed bool   `json:"context_used"`
}

// StartConversation answers the first question and creates the conversation
// with its first (user, assistant) pair in one atomic write. A persistence
// failure after a successful generation still returns the answer, flagged
// persisted=false.
func (s *ChatService) StartConversation(ctx context.Context, input StartConversationInput) (*StartConversationResult, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, ErrMessageEmpty
	}

	user, err := s.userStore.GetByID(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	namespace := model.UserNamespace(input.UserID)
	passages := s.retrievePassages(ctx, namespace, question)

	answer, contextUsed, err := s.generate(ctx, nil, passages, question)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conv := &model.Conversation{
		UserID:    input.UserID,
		Title:     titleFromAnswer(answer),
		Namespace: namespace,
	}
	userMsg := &model.Message{
		UserID:    input.UserID,
		Role:      model.RoleUser,
		Content:   question,
		CreatedAt: now,
	}
	assistantMsg := &model.Message{
		UserID:    input.UserID,
		Role:      model.RoleAssistant,
		Content:   answer,
		CreatedAt: now,
	}

	if err := s.convStore.CreateWithExchange(ctx, conv, userMsg, assistantMsg); err != nil {
		log.Printf("start conversation: persist failed, returning ephemeral answer: %v", err)
		return &StartConversationResult{
			Answer:      answer,
			Persisted:   false,
			ContextUsed: contextUsed,
		}, nil
	}

	s.afterExchange(ctx, conv.ID)

	return &StartConversationResult{
		ConversationID: conv.ID,
		Answer:         answer,
		Persisted:      true,
		ContextUsed:    contextUsed,
	}, nil
}

// ContinueConversation replays prior turns as context and appends the new
// exchange. The ownership check runs before any retrieval or model call so
// context never leaks across users.
func (s *ChatService) ContinueConversation(ctx context.Context, input ContinueConversationInput) (*ContinueConversationResult, error) {
	if input.UserID == 0 || input.ConversationID == 0 {
		return nil, ErrInvalidInput
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, ErrMessageEmpty
	}

	conv, err := s.convStore.GetByID(ctx, input.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if conv.UserID != input.UserID {
		return nil, ErrNotOwner
	}

	// Serialize turns on one conversation so concurrent continues cannot
	// interleave their history reads and appends.
	unlock := s.locks.lock(conv.ID)
	defer unlock()

	history, err := s.messageStore.ListRecentByConversationID(ctx, conv.ID, s.maxContextTurns)
	if err != nil {
		return nil, err
	}
	prior := make([]prompt.Turn, 0, len(history))
	for _, m := range history {
		prior = append(prior, prompt.Turn{Role: m.Role, Content: m.Content})
	}

	passages := s.retrievePassages(ctx, conv.Namespace, question)

	answer, contextUsed, err := s.generate(ctx, prior, passages, question)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	userMsg := &model.Message{
		UserID:    conv.UserID,
		Role:      model.RoleUser,
		Content:   question,
		CreatedAt: now,
	}
	assistantMsg := &model.Message{
		UserID:    conv.UserID,
		Role:      model.RoleAssistant,
		Content:   answer,
		CreatedAt: now,
	}

	if err := s.convStore.AppendExchange(ctx, conv.ID, userMsg, assistantMsg); err != nil {
		log.Printf("continue conversation %d: persist failed, returning ephemeral answer: %v", conv.ID, err)
		return &ContinueConversationResult{
			Answer:      answer,
			Persisted:   false,
			ContextUsed: contextUsed,
		}, nil
	}

	s.afterExchange(ctx, conv.ID)

	return &ContinueConversationResult{
		Answer:      answer,
		Persisted:   true,
		ContextUsed: contextUsed,
	}, nil
}

// GetConversationHistory reconstructs ordered turns from the message store.
// A positive limit returns the most recent limit turns, still in creation
// order. The redis cache is consulted first but the store stays
// authoritative.
func (s *ChatService) GetConversationHistory(ctx context.Context, userID, conversationID uint, limit int) ([]model.Message, error) {
	if userID == 0 || conversationID == 0 {
		return nil, ErrInvalidInput
	}

	conv, err := s.convStore.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if conv.UserID != userID {
		return nil, ErrNotOwner
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, conversationID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, conversationID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	// The cache only ever holds the full history; a limited read trims the
	// response, never what later readers see.
	messages, err := s.messageStore.ListAllByConversationID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, conversationID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, conversationID, messages)
		}
	}
	return trimMessages(messages, limit), nil
}

func (s *ChatService) ListConversations(ctx context.Context, userID uint) ([]model.Conversation, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.convStore.ListByUserID(ctx, userID)
}

func (s *ChatService) DeleteConversation(ctx context.Context, userID, conversationID uint) error {
	if userID == 0 || conversationID == 0 {
		return ErrInvalidInput
	}
	conv, err := s.convStore.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	if conv.UserID != userID {
		return ErrNotOwner
	}
	if err := s.messageStore.DeleteByConversationID(ctx, conversationID); err != nil {
		return err
	}
	if err := s.convStore.DeleteByIDAndUserID(ctx, conversationID, userID); err != nil {
		return err
	}
	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(ctx, conversationID)
	}
	return nil
}

// retrievePassages degrades to no context on retrieval failure; an empty
// result is a valid outcome either way.
func (s *ChatService) retrievePassages(ctx context.Context, namespace, question string) []retrieval.Passage {
	passages, err := s.retriever.Retrieve(ctx, namespace, question, s.topK)
	if err != nil {
		log.Printf("retrieve from %s failed, proceeding without context: %v", namespace, err)
		return nil
	}
	return passages
}

// generate invokes the model with the assembled prompt. On failure it retries
// once with a context-free prompt before reporting ErrGenerationUnavailable.
func (s *ChatService) generate(ctx context.Context, prior []prompt.Turn, passages []retrieval.Passage, question string) (string, bool, error) {
	texts := make([]string, 0, len(passages))
	for _, p := range passages {
		texts = append(texts, p.Text)
	}

	turns := prompt.Assemble(prompt.SystemInstruction, prior, texts, question)
	answer, err := s.generator.Complete(ctx, toChatMessages(turns))
	if err == nil {
		return normalizeAnswer(answer), len(texts) > 0, nil
	}

	log.Printf("generation failed, retrying without context: %v", err)
	turns = prompt.Assemble(prompt.SystemInstruction, prior, nil, question)
	answer, retryErr := s.generator.Complete(ctx, toChatMessages(turns))
	if retryErr != nil {
		return "", false, ErrGenerationUnavailable
	}
	return normalizeAnswer(answer), false, nil
}

func (s *ChatService) afterExchange(ctx context.Context, conversationID uint) {
	if s.historyCache != nil {
		_ = s.historyCache.MarkDirty(ctx, conversationID)
		_ = s.historyCache.DeleteHistory(ctx, conversationID)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, rabbitmq.CacheRefreshEvent{ConversationID: conversationID}); err != nil {
			log.Printf("publish cache refresh for conversation %d failed: %v", conversationID, err)
		}
	}
}

func toChatMessages(turns []prompt.Turn) []ai.ChatMessage {
	messages := make([]ai.ChatMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, ai.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return messages
}

func normalizeAnswer(answer string) string {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = "The model returned an empty response."
	}
	return answer
}

func titleFromAnswer(answer string) string {
	runes := []rune(answer)
	if len(runes) <= titlePrefixLen {
		return answer
	}
	return string(runes[:titlePrefixLen])
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}

// conversationLocks hands out one mutex per conversation id. Entries are
// kept for the process lifetime; the set is bounded by the number of live
// conversations this instance has served.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func (l *conversationLocks) lock(id uint) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uint]*sync.Mutex)
	}
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
