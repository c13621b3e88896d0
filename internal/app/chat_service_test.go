package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookchat/internal/ai"
	"bookchat/internal/model"
	"bookchat/internal/platform/rabbitmq"
	"bookchat/internal/retrieval"
)

type fakeUserStore struct {
	users map[uint]*model.User
	err   error
}

func (f *fakeUserStore) GetByID(_ context.Context, id uint) (*model.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

type exchange struct {
	userMsg      model.Message
	assistantMsg model.Message
}

type fakeConvStore struct {
	nextID        uint
	conversations map[uint]*model.Conversation
	creates       []exchange
	appends       map[uint][]exchange
	createErr     error
	appendErr     error
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		nextID:        1,
		conversations: make(map[uint]*model.Conversation),
		appends:       make(map[uint][]exchange),
	}
}

func (f *fakeConvStore) CreateWithExchange(_ context.Context, conv *model.Conversation, userMsg, assistantMsg *model.Message) error {
	if f.createErr != nil {
		return f.createErr
	}
	conv.ID = f.nextID
	f.nextID++
	userMsg.ConversationID = conv.ID
	assistantMsg.ConversationID = conv.ID
	stored := *conv
	f.conversations[conv.ID] = &stored
	f.creates = append(f.creates, exchange{userMsg: *userMsg, assistantMsg: *assistantMsg})
	return nil
}

func (f *fakeConvStore) AppendExchange(_ context.Context, conversationID uint, userMsg, assistantMsg *model.Message) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	userMsg.ConversationID = conversationID
	assistantMsg.ConversationID = conversationID
	f.appends[conversationID] = append(f.appends[conversationID], exchange{userMsg: *userMsg, assistantMsg: *assistantMsg})
	return nil
}

func (f *fakeConvStore) GetByID(_ context.Context, id uint) (*model.Conversation, error) {
	return f.conversations[id], nil
}

func (f *fakeConvStore) ListByUserID(_ context.Context, userID uint) ([]model.Conversation, error) {
	var out []model.Conversation
	for _, c := range f.conversations {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeConvStore) DeleteByIDAndUserID(_ context.Context, id, userID uint) error {
	if c, ok := f.conversations[id]; ok && c.UserID == userID {
		delete(f.conversations, id)
	}
	return nil
}

type fakeMessageStore struct {
	messages map[uint][]model.Message
	deleted  []uint
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[uint][]model.Message)}
}

func (f *fakeMessageStore) ListAllByConversationID(_ context.Context, conversationID uint) ([]model.Message, error) {
	return f.messages[conversationID], nil
}

func (f *fakeMessageStore) ListRecentByConversationID(_ context.Context, conversationID uint, n int) ([]model.Message, error) {
	msgs := f.messages[conversationID]
	if n > 0 && n < len(msgs) {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

func (f *fakeMessageStore) DeleteByConversationID(_ context.Context, conversationID uint) error {
	f.deleted = append(f.deleted, conversationID)
	delete(f.messages, conversationID)
	return nil
}

type retrieveCall struct {
	namespace string
	query     string
	k         int
}

type fakeRetriever struct {
	passages []retrieval.Passage
	err      error
	calls    []retrieveCall
}

func (f *fakeRetriever) Retrieve(_ context.Context, namespace, query string, k int) ([]retrieval.Passage, error) {
	f.calls = append(f.calls, retrieveCall{namespace: namespace, query: query, k: k})
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

type fakeGenerator struct {
	answers []string
	errs    []error
	calls   [][]ai.ChatMessage
}

func (f *fakeGenerator) Complete(_ context.Context, messages []ai.ChatMessage) (string, error) {
	f.calls = append(f.calls, messages)
	idx := len(f.calls) - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx < len(f.answers) {
		return f.answers[idx], nil
	}
	return "fallback answer", nil
}

type fakePublisher struct {
	events []rabbitmq.CacheRefreshEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, event rabbitmq.CacheRefreshEvent) error {
	f.events = append(f.events, event)
	return f.err
}

type fakeHistoryCache struct {
	histories map[uint][]model.Message
	dirty     map[uint]bool
	sets      int
	deletes   []uint
}

func newFakeHistoryCache() *fakeHistoryCache {
	return &fakeHistoryCache{
		histories: make(map[uint][]model.Message),
		dirty:     make(map[uint]bool),
	}
}

func (f *fakeHistoryCache) GetHistory(_ context.Context, conversationID uint) ([]model.Message, bool, error) {
	msgs, ok := f.histories[conversationID]
	return msgs, ok, nil
}

func (f *fakeHistoryCache) SetHistory(_ context.Context, conversationID uint, messages []model.Message) error {
	f.histories[conversationID] = messages
	f.sets++
	return nil
}

func (f *fakeHistoryCache) DeleteHistory(_ context.Context, conversationID uint) error {
	delete(f.histories, conversationID)
	f.deletes = append(f.deletes, conversationID)
	return nil
}

func (f *fakeHistoryCache) MarkDirty(_ context.Context, conversationID uint) error {
	f.dirty[conversationID] = true
	return nil
}

func (f *fakeHistoryCache) IsDirty(_ context.Context, conversationID uint) (bool, error) {
	return f.dirty[conversationID], nil
}

type chatFixture struct {
	users     *fakeUserStore
	convs     *fakeConvStore
	messages  *fakeMessageStore
	retriever *fakeRetriever
	generator *fakeGenerator
	publisher *fakePublisher
	cache     *fakeHistoryCache
	service   *ChatService
}

func newChatFixture() *chatFixture {
	f := &chatFixture{
		users:     &fakeUserStore{users: map[uint]*model.User{7: {ID: 7, Username: "reader"}}},
		convs:     newFakeConvStore(),
		messages:  newFakeMessageStore(),
		retriever: &fakeRetriever{},
		generator: &fakeGenerator{},
		publisher: &fakePublisher{},
		cache:     newFakeHistoryCache(),
	}
	f.service = NewChatService(f.users, f.convs, f.messages, f.retriever, f.generator, f.publisher, f.cache, 2, 20)
	return f
}

func TestStartConversationPersistsAtomicPair(t *testing.T) {
	f := newChatFixture()
	f.retriever.passages = []retrieval.Passage{{Text: "The whale is white.", DocumentID: "3"}}
	f.generator.answers = []string{"The whale in the novel is white."}

	result, err := f.service.StartConversation(context.Background(), StartConversationInput{
		UserID:   7,
		Question: "What color is the whale?",
	})
	require.NoError(t, err)

	assert.Equal(t, uint(1), result.ConversationID)
	assert.True(t, result.Persisted)
	assert.True(t, result.ContextUsed)
	assert.Equal(t, "The whale in the novel is white.", result.Answer)

	require.Len(t, f.convs.creates, 1)
	pair := f.convs.creates[0]
	assert.Equal(t, model.RoleUser, pair.userMsg.Role)
	assert.Equal(t, "What color is the whale?", pair.userMsg.Content)
	assert.Equal(t, model.RoleAssistant, pair.assistantMsg.Role)
	assert.Equal(t, uint(1), pair.userMsg.ConversationID)
	assert.Equal(t, uint(1), pair.assistantMsg.ConversationID)

	conv := f.convs.conversations[1]
	require.NotNil(t, conv)
	assert.Equal(t, "user_7", conv.Namespace)
	assert.Equal(t, "The whale in the novel is whit", conv.Title) // 30 rune prefix

	require.Len(t, f.retriever.calls, 1)
	assert.Equal(t, "user_7", f.retriever.calls[0].namespace)
	assert.Equal(t, 2, f.retriever.calls[0].k)

	require.Len(t, f.generator.calls, 1)
	promptMsgs := f.generator.calls[0]
	require.Len(t, promptMsgs, 2)
	assert.Equal(t, "system", promptMsgs[0].Role)
	assert.Contains(t, promptMsgs[1].Content, "Context:")
	assert.Contains(t, promptMsgs[1].Content, "The whale is white.")
	assert.Contains(t, promptMsgs[1].Content, "Question: What color is the whale?")

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, uint(1), f.publisher.events[0].ConversationID)
}

func TestStartConversationShortAnswerTitleKeptWhole(t *testing.T) {
	f := newChatFixture()
	f.generator.answers = []string{"White."}

	_, err := f.service.StartConversation(context.Background(), StartConversationInput{UserID: 7, Question: "Color?"})
	require.NoError(t, err)
	assert.Equal(t, "White.", f.convs.conversations[1].Title)
}

func TestStartConversationRetrievalFailureDegradesToNoContext(t *testing.T) {
	f := newChatFixture()
	f.retriever.err = retrieval.ErrUnavailable
	f.generator.answers = []string{"Answered without context."}

	result, err := f.service.StartConversation(context.Background(), StartConversationInput{UserID: 7, Question: "Who wrote it?"})
	require.NoError(t, err)

	assert.True(t, result.Persisted)
	assert.False(t, result.ContextUsed)
	require.Len(t, f.generator.calls, 1)
	final := f.generator.calls[0][len(f.generator.calls[0])-1]
	assert.Equal(t, "Who wrote it?", final.Content)
}

func TestStartConversationGenerationRetriesWithoutContext(t *testing.T) {
	f := newChatFixture()
	f.retriever.passages = []retrieval.Passage{{Text: "Ishmael narrates."}}
	f.generator.errs = []error{errors.New("upstream 500"), nil}
	f.generator.answers = []string{"", "Recovered answer."}

	result, err := f.service.StartConversation(context.Background(), StartConversationInput{UserID: 7, Question: "Who narrates?"})
	require.NoError(t, err)

	assert.Equal(t, "Recovered answer.", result.Answer)
	assert.False(t, result.ContextUsed)
	require.Len(t, f.generator.calls, 2)
	assert.Contains(t, f.generator.calls[0][1].Content, "Context:")
	assert.Equal(t, "Who narrates?", f.generator.calls[1][1].Content)
}

func TestStartConversationGenerationUnavailableWritesNothing(t *testing.T) {
	f := newChatFixture()
	f.generator.errs = []error{errors.New("down"), errors.New("still down")}

	_, err := f.service.StartConversation(context.Background(), StartConversationInput{UserID: 7, Question: "Anything?"})
	require.ErrorIs(t, err, ErrGenerationUnavailable)

	assert.Empty(t, f.convs.creates)
	assert.Empty(t, f.publisher.events)
}

func TestStartConversationValidation(t *testing.T) {
	f := newChatFixture()

	_, err := f.service.StartConversation(context.Background(), StartConversationInput{UserID: 0, Question: "q"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.service.StartConversation(context.Background(), StartConversationInput{UserID: 7, Question: "   "})
	assert.ErrorIs(t, err, ErrMessageEmpty)

	_, err = f.service.StartConversation(context.Background(), StartConversationInput{UserID: 99, Question: "q"})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Empty(t, f.generator.calls)
}

func TestStartConversationPersistFailureReturnsEphemeralAnswer(t *testing.T) {
	f := newChatFixture()
	f.generator.answers = []string{"An answer worth keeping."}
	f.convs.createErr = errors.New("mysql gone")

	result, err := f.service.StartConversation(context.Background(), StartConversationInput{UserID: 7, Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, "An answer worth keeping.", result.Answer)
	assert.False(t, result.Persisted)
	assert.Zero(t, result.ConversationID)
	assert.Empty(t, f.publisher.events)
}

func TestContinueConversationReplaysHistoryInOrder(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7, Namespace: "user_7"}
	f.messages.messages[5] = []model.Message{
		{ConversationID: 5, Role: model.RoleUser, Content: "first question"},
		{ConversationID: 5, Role: model.RoleAssistant, Content: "first answer"},
	}
	f.retriever.passages = []retrieval.Passage{{Text: "Ahab commands the Pequod."}}
	f.generator.answers = []string{"Ahab."}

	result, err := f.service.ContinueConversation(context.Background(), ContinueConversationInput{
		UserID:         7,
		ConversationID: 5,
		Question:       "Who commands the ship?",
	})
	require.NoError(t, err)

	assert.True(t, result.Persisted)
	assert.True(t, result.ContextUsed)

	require.Len(t, f.generator.calls, 1)
	msgs := f.generator.calls[0]
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "first question", msgs[1].Content)
	assert.Equal(t, "first answer", msgs[2].Content)
	assert.Contains(t, msgs[3].Content, "Who commands the ship?")

	require.Len(t, f.convs.appends[5], 1)
	require.Len(t, f.retriever.calls, 1)
	assert.Equal(t, "user_7", f.retriever.calls[0].namespace)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, uint(5), f.publisher.events[0].ConversationID)
}

func TestContinueConversationUsesStoredNamespace(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7, Namespace: "user_7"}
	f.generator.answers = []string{"ok"}

	_, err := f.service.ContinueConversation(context.Background(), ContinueConversationInput{UserID: 7, ConversationID: 5, Question: "q"})
	require.NoError(t, err)
	require.Len(t, f.retriever.calls, 1)
	assert.Equal(t, "user_7", f.retriever.calls[0].namespace)
}

func TestContinueConversationUnknownID(t *testing.T) {
	f := newChatFixture()

	_, err := f.service.ContinueConversation(context.Background(), ContinueConversationInput{UserID: 7, ConversationID: 42, Question: "q"})
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Empty(t, f.retriever.calls)
	assert.Empty(t, f.generator.calls)
}

func TestContinueConversationRejectsNonOwnerBeforeModelCall(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 99, Namespace: "user_99"}

	_, err := f.service.ContinueConversation(context.Background(), ContinueConversationInput{UserID: 7, ConversationID: 5, Question: "q"})
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, f.retriever.calls)
	assert.Empty(t, f.generator.calls)
	assert.Empty(t, f.convs.appends)
}

func TestContinueConversationBoundsContextTurns(t *testing.T) {
	f := newChatFixture()
	f.service = NewChatService(f.users, f.convs, f.messages, f.retriever, f.generator, f.publisher, f.cache, 2, 4)
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7, Namespace: "user_7"}
	for i := 0; i < 10; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		f.messages.messages[5] = append(f.messages.messages[5], model.Message{
			ConversationID: 5,
			Role:           role,
			Content:        strings.Repeat("x", i+1),
		})
	}
	f.generator.answers = []string{"bounded"}

	_, err := f.service.ContinueConversation(context.Background(), ContinueConversationInput{UserID: 7, ConversationID: 5, Question: "q"})
	require.NoError(t, err)

	// system + 4 most recent turns + synthetic user turn
	require.Len(t, f.generator.calls, 1)
	msgs := f.generator.calls[0]
	require.Len(t, msgs, 6)
	assert.Equal(t, strings.Repeat("x", 7), msgs[1].Content)
	assert.Equal(t, strings.Repeat("x", 10), msgs[4].Content)
}

func TestContinueConversationPersistFailureReturnsEphemeralAnswer(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7, Namespace: "user_7"}
	f.convs.appendErr = errors.New("tx aborted")
	f.generator.answers = []string{"still useful"}

	result, err := f.service.ContinueConversation(context.Background(), ContinueConversationInput{UserID: 7, ConversationID: 5, Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "still useful", result.Answer)
	assert.False(t, result.Persisted)
	assert.Empty(t, f.publisher.events)
}

func TestGetConversationHistoryReadsStoreWhenCacheDirty(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7}
	stored := []model.Message{
		{ID: 1, ConversationID: 5, Role: model.RoleUser, Content: "q", CreatedAt: time.Now()},
		{ID: 2, ConversationID: 5, Role: model.RoleAssistant, Content: "a", CreatedAt: time.Now()},
	}
	f.messages.messages[5] = stored
	f.cache.histories[5] = []model.Message{{ID: 1, Content: "stale"}}
	f.cache.dirty[5] = true

	history, err := f.service.GetConversationHistory(context.Background(), 7, 5, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "q", history[0].Content)
	assert.Equal(t, "a", history[1].Content)
	// dirty marker blocks repopulating the cache with a possibly stale read
	assert.Zero(t, f.cache.sets)
}

func TestGetConversationHistoryServesCleanCache(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7}
	f.cache.histories[5] = []model.Message{{ID: 1, ConversationID: 5, Content: "cached"}}

	history, err := f.service.GetConversationHistory(context.Background(), 7, 5, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "cached", history[0].Content)
}

func TestGetConversationHistoryLimitedReadDoesNotTruncateCache(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7}
	f.messages.messages[5] = []model.Message{
		{ID: 1, ConversationID: 5, Role: model.RoleUser, Content: "q1"},
		{ID: 2, ConversationID: 5, Role: model.RoleAssistant, Content: "a1"},
		{ID: 3, ConversationID: 5, Role: model.RoleUser, Content: "q2"},
		{ID: 4, ConversationID: 5, Role: model.RoleAssistant, Content: "a2"},
	}

	limited, err := f.service.GetConversationHistory(context.Background(), 7, 5, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a2", limited[0].Content)

	// the limited read populated the cache with the full history
	require.Len(t, f.cache.histories[5], 4)

	full, err := f.service.GetConversationHistory(context.Background(), 7, 5, 100)
	require.NoError(t, err)
	require.Len(t, full, 4)
	assert.Equal(t, "q1", full[0].Content)
	assert.Equal(t, "a2", full[3].Content)
}

func TestGetConversationHistoryLongConversationNotClipped(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7}
	for i := 0; i < 120; i++ {
		f.messages.messages[5] = append(f.messages.messages[5], model.Message{
			ID:             uint(i + 1),
			ConversationID: 5,
			Role:           model.RoleUser,
			Content:        "turn",
		})
	}

	history, err := f.service.GetConversationHistory(context.Background(), 7, 5, 0)
	require.NoError(t, err)
	assert.Len(t, history, 120)
	assert.Len(t, f.cache.histories[5], 120)
}

func TestGetConversationHistoryOwnership(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 99}

	_, err := f.service.GetConversationHistory(context.Background(), 7, 5, 0)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.service.GetConversationHistory(context.Background(), 7, 404, 0)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestDeleteConversationRemovesMessagesAndCache(t *testing.T) {
	f := newChatFixture()
	f.convs.conversations[5] = &model.Conversation{ID: 5, UserID: 7}
	f.messages.messages[5] = []model.Message{{ID: 1, ConversationID: 5}}
	f.cache.histories[5] = []model.Message{{ID: 1}}

	require.NoError(t, f.service.DeleteConversation(context.Background(), 7, 5))
	assert.NotContains(t, f.convs.conversations, uint(5))
	assert.Contains(t, f.messages.deleted, uint(5))
	assert.NotContains(t, f.cache.histories, uint(5))

	err := f.service.DeleteConversation(context.Background(), 7, 5)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
