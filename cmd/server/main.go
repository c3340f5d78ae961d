package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/mbeoliero/kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/gateway"
	"github.com/mbeoliero/chatsync/internal/handler"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/internal/router"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/internal/storage"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		log.CtxError(ctx, "server exited: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.CtxInfo(ctx, "config loaded: mode=%s", cfg.Server.Mode)

	// Initialize Redis key prefix
	constant.InitRedisKeyPrefix(cfg.Redis.KeyPrefix)
	log.CtxInfo(ctx, "redis key prefix: %s", constant.GetRedisKeyPrefix())

	gen, err := idgen.NewSonyflakeGenerator(cfg.Server.MachineId)
	if err != nil {
		return err
	}
	idgen.SetDefaultGenerator(gen)

	// Initialize repositories
	repos, err := repository.NewRepositories(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize repositories: %w", err)
	}
	defer func() { _ = repos.Close() }()

	if err := repos.CheckConnection(ctx); err != nil {
		return fmt.Errorf("database connection check failed: %w", err)
	}
	log.CtxInfo(ctx, "database connection established")

	if cfg.MySQL.AutoMigrate {
		if err := repos.Migrate(ctx); err != nil {
			return err
		}
		log.CtxInfo(ctx, "schema migrated")
	}

	files, err := storage.NewLocalStore(cfg.Storage.Dir, cfg.Storage.URLPrefix, cfg.Message.MaxAttachmentSize)
	if err != nil {
		return err
	}

	// Initialize services
	authService := service.NewAuthService(repos.User, cfg, repos.Redis)
	userService := service.NewUserService(repos.User, repos.Presence)
	groupService := service.NewGroupService(repos, userService)
	convService := service.NewConversationService(repos, userService)
	msgService := service.NewMessageService(repos, convService, files, cfg.Message)

	// Initialize WebSocket server and hand it to the services that push
	wsServer := gateway.NewWsServer(cfg.WebSocket, authService, convService, userService)
	msgService.SetPusher(wsServer)
	convService.SetPusher(wsServer)
	authService.SetKicker(wsServer)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := wsServer.RegisterMetrics(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	handlers := &router.Handlers{
		Auth:         handler.NewAuthHandler(authService),
		User:         handler.NewUserHandler(userService),
		Group:        handler.NewGroupHandler(groupService),
		Message:      handler.NewMessageHandler(msgService),
		Conversation: handler.NewConversationHandler(convService, groupService),
	}

	h := server.New(
		server.WithHostPorts(fmt.Sprintf(":%d", cfg.Server.HTTPPort)),
		server.WithMaxRequestBodySize(int(cfg.Message.MaxAttachmentSize)*max(cfg.Message.MaxAttachments, 1)+1<<20),
		server.WithExitWaitTime(cfg.Server.ShutdownTimeout),
	)
	router.SetupRouter(h, cfg, handlers, router.Deps{
		Auth:      authService,
		WsServer:  wsServer,
		Gatherer:  registry,
		FilesRoot: files.Root(),
		FilesURL:  files.URLPrefix(),
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsServer.Run(gCtx)
	})

	g.Go(func() error {
		log.CtxInfo(ctx, "server starting on port %d", cfg.Server.HTTPPort)
		return h.Run()
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.CtxInfo(ctx, "shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.CtxError(ctx, "server shutdown error: %v", err)
		}
		return nil
	})

	err = g.Wait()
	log.CtxInfo(ctx, "server stopped")
	return err
}

