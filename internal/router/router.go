package router

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/gateway"
	"github.com/mbeoliero/chatsync/internal/handler"
	"github.com/mbeoliero/chatsync/internal/middleware"
)

// Handlers holds all HTTP handlers
type Handlers struct {
	Auth         *handler.AuthHandler
	User         *handler.UserHandler
	Group        *handler.GroupHandler
	Message      *handler.MessageHandler
	Conversation *handler.ConversationHandler
}

// Deps are the non handler pieces the routes need
type Deps struct {
	Auth      middleware.TokenValidator
	WsServer  *gateway.WsServer
	Gatherer  prometheus.Gatherer
	FilesRoot string
	FilesURL  string
}

// SetupRouter sets up all routes
func SetupRouter(h *server.Hertz, cfg *config.Config, handlers *Handlers, deps Deps) {
	h.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	// Health check
	h.GET("/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Gatherer != nil {
		h.GET("/metrics", adaptor.HertzHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Stored attachments, content addressed so they never change
	h.StaticFS(deps.FilesURL, &app.FS{
		Root:        deps.FilesRoot,
		PathRewrite: app.NewPathSlashesStripper(1),
	})

	auth := middleware.JWTAuth(deps.Auth)

	// Auth routes (no auth required)
	authGroup := h.Group("/auth")
	{
		authGroup.POST("/register", handlers.Auth.Register)
		authGroup.POST("/login", handlers.Auth.Login)
		authGroup.POST("/external", handlers.Auth.LoginExternal)
		authGroup.POST("/logout", auth, handlers.Auth.Logout)
	}

	userGroup := h.Group("/users", auth)
	{
		userGroup.GET("/me", handlers.User.GetMe)
		userGroup.PUT("/me", handlers.User.UpdateUserInfo)
		userGroup.POST("/batch", handlers.User.GetUserInfos)
		userGroup.GET("/:id", handlers.User.GetUserInfoById)
	}

	convGroup := h.Group("/conversations", auth)
	{
		convGroup.GET("", handlers.Conversation.GetConversationList)
		convGroup.POST("/direct", handlers.Conversation.CreateDirect)
		convGroup.POST("/group", handlers.Conversation.CreateGroup)
		convGroup.GET("/:id/messages", handlers.Message.GetHistory)
		convGroup.POST("/:id/messages", handlers.Message.SendMessage)
		convGroup.POST("/:id/read", handlers.Conversation.MarkRead)
	}

	msgGroup := h.Group("/messages", auth)
	{
		msgGroup.PUT("/:id", handlers.Message.EditMessage)
		msgGroup.DELETE("/:id", handlers.Message.DeleteMessage)
		msgGroup.POST("/:id/reactions", handlers.Message.AddReaction)
		msgGroup.DELETE("/:id/reactions", handlers.Message.RemoveReaction)
	}

	groupGroup := h.Group("/groups", auth)
	{
		groupGroup.POST("/:id/join", handlers.Group.JoinGroup)
		groupGroup.POST("/:id/quit", handlers.Group.QuitGroup)
		groupGroup.GET("/:id/members", handlers.Group.GetGroupMembers)
	}

	// WebSocket route; non-browser clients send no Origin and are allowed
	allowedOrigins := cfg.Server.AllowedOrigins
	upgrader := &websocket.HertzUpgrader{
		CheckOrigin: func(c *app.RequestContext) bool {
			origin := string(c.Request.Header.Peek("Origin"))
			return origin == "" || middleware.OriginAllowed(origin, allowedOrigins, false)
		},
	}

	h.GET("/ws", func(ctx context.Context, c *app.RequestContext) {
		deps.WsServer.HandleHertzConnection(ctx, c, upgrader)
	})
}
