package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/entity"
)

// Repositories holds the chat stores. Message, conversation, reaction and
// group rows live in MySQL; seq counters, presence and the member cache in Redis.
type Repositories struct {
	DB           *gorm.DB
	Redis        *redis.Client
	User         *UserRepo
	Group        *GroupRepo
	Message      *MessageRepo
	Conversation *ConversationRepo
	Seq          *SeqRepo
	Reaction     *ReactionRepo
	Presence     *PresenceRepo
}

// NewRepositories opens MySQL and Redis and builds every repo on them
func NewRepositories(cfg *config.Config) (*Repositories, error) {
	db, err := openMySQL(&cfg.MySQL, cfg.Server.Mode == "debug")
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &Repositories{
		DB:           db,
		Redis:        rdb,
		User:         NewUserRepo(db),
		Group:        NewGroupRepo(db, rdb),
		Message:      NewMessageRepo(db),
		Conversation: NewConversationRepo(db),
		Seq:          NewSeqRepo(db, rdb),
		Reaction:     NewReactionRepo(db),
		Presence:     NewPresenceRepo(rdb, cfg.WebSocket.OnlineTTL),
	}, nil
}

// gormWriter sends gorm's log lines through kit/log
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	log.Info(format, args...)
}

func newGormLogger(cfg *config.MySQLConfig, debug bool) logger.Interface {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	return logger.New(gormWriter{}, logger.Config{
		SlowThreshold: cfg.SlowThreshold,
		LogLevel:      level,
		// not found is a normal answer for client_msg_id and owner row lookups
		IgnoreRecordNotFoundError: true,
	})
}

func openMySQL(cfg *config.MySQLConfig, debug bool) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
		Logger:         newGormLogger(cfg, debug),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// Migrate creates or updates every table
func (r *Repositories) Migrate(ctx context.Context) error {
	if err := r.DB.WithContext(ctx).AutoMigrate(entity.All()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes MySQL and Redis, reporting both failures
func (r *Repositories) Close() error {
	var errs []error
	if sqlDB, err := r.DB.DB(); err != nil {
		errs = append(errs, err)
	} else if err := sqlDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close mysql: %w", err))
	}
	if err := r.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	return errors.Join(errs...)
}

// Transaction executes fn in a transaction
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.DB.WithContext(ctx).Transaction(fn)
}

// CheckConnection pings MySQL and Redis
func (r *Repositories) CheckConnection(ctx context.Context) error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		log.CtxError(ctx, "mysql ping failed: %v", err)
		return fmt.Errorf("mysql ping: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		log.CtxError(ctx, "redis ping failed: %v", err)
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
