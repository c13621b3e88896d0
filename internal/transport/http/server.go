package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"bookchat/internal/ai"
	appsvc "bookchat/internal/app"
	"bookchat/internal/bootstrap"
	"bookchat/internal/cache"
	"bookchat/internal/platform/rabbitmq"
	"bookchat/internal/repository"
	"bookchat/internal/retrieval"
	"bookchat/internal/transport/http/handler"
	"bookchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	userRepo := repository.NewUserRepository(app.MySQL)
	convRepo := repository.NewConversationRepository(app.MySQL)
	messageRepo := repository.NewMessageRepository(app.MySQL)
	docRepo := repository.NewDocumentRepository(app.MySQL)

	llmClient := ai.NewOpenAICompatibleClient()
	gateway := ai.NewGateway(llmClient, ai.ChatConfig{
		BaseURL: app.Config.LLM.BaseURL,
		APIKey:  app.Config.LLM.APIKey,
		Model:   app.Config.LLM.Model,
	})
	embedder := ai.NewEmbedder(llmClient, ai.EmbeddingConfig{
		BaseURL: app.Config.LLM.BaseURL,
		APIKey:  app.Config.LLM.APIKey,
		Model:   app.Config.LLM.EmbeddingModel,
	})
	index := retrieval.NewIndex(retrieval.IndexConfig{
		BaseURL: app.Config.Retrieval.IndexURL,
		APIKey:  app.Config.Retrieval.APIKey,
	})
	retriever := retrieval.NewRetriever(embedder, index)

	historyCache := cache.NewHistoryCache(
		app.Redis,
		time.Duration(app.Config.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(app.Config.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	publisher := rabbitmq.NewCacheRefreshPublisher(app.MQConn, app.Config.RabbitMQ.CacheRefreshQueue)

	authService := appsvc.NewAuthService(
		userRepo,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)
	chatService := appsvc.NewChatService(
		userRepo,
		convRepo,
		messageRepo,
		retriever,
		gateway,
		publisher,
		historyCache,
		app.Config.Retrieval.TopK,
		app.Config.LLM.MaxContextTurns,
	)
	libraryService := appsvc.NewLibraryService(docRepo, embedder, index, app.FileStore)

	authHandler := handler.NewAuthHandler(authService)
	chatHandler := handler.NewChatHandler(chatService)
	libraryHandler := handler.NewLibraryHandler(libraryService)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	authed := v1.Group("")
	authed.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	authed.POST("/conversations", chatHandler.StartConversation)
	authed.GET("/conversations", chatHandler.ListConversations)
	authed.POST("/conversations/:id/messages", chatHandler.ContinueConversation)
	authed.GET("/conversations/:id/history", chatHandler.GetHistory)
	authed.DELETE("/conversations/:id", chatHandler.DeleteConversation)
	authed.POST("/documents", libraryHandler.UploadDocument)
	authed.GET("/documents", libraryHandler.ListDocuments)
	authed.DELETE("/documents/:id", libraryHandler.DeleteDocument)

	return router
}
