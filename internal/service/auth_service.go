package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbeoliero/chatsync/common"
	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/jwt"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// Kicker drops live connections whose token was replaced
type Kicker interface {
	KickTokens(ctx context.Context, userId string, platformId int, tokens []string)
}

// AuthService handles authentication logic
type AuthService struct {
	userRepo   *repository.UserRepo
	cfg        *config.Config
	tokenStore *jwt.TokenStore
	kicker     Kicker
}

// NewAuthService creates a new AuthService
func NewAuthService(userRepo *repository.UserRepo, cfg *config.Config, rdb redis.Cmdable) *AuthService {
	return &AuthService{
		userRepo:   userRepo,
		cfg:        cfg,
		tokenStore: jwt.NewTokenStore(rdb, cfg.JWT.TTL()),
	}
}

// SetKicker wires the gateway that closes replaced sessions
func (s *AuthService) SetKicker(k Kicker) {
	s.kicker = k
}

// RegisterRequest represents user registration request
type RegisterRequest struct {
	UserId   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
}

// LoginRequest represents user login request
type LoginRequest struct {
	UserId     string `json:"user_id"`
	Password   string `json:"password"`
	PlatformId int    `json:"platform_id"`
}

// ExternalLoginRequest exchanges a token issued by another system
type ExternalLoginRequest struct {
	Token      string `json:"token"`
	Nickname   string `json:"nickname,omitempty"`
	PlatformId int    `json:"platform_id,omitempty"`
}

// LoginResponse represents user login response
type LoginResponse struct {
	Token    string             `json:"token"`
	UserInfo *protocol.UserData `json:"user_info"`
}

// Register registers a new user
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*protocol.UserData, error) {
	if req.Password == "" || strings.TrimSpace(req.Nickname) == "" {
		return nil, errcode.ErrInvalidParam.WithMsg("nickname and password are required")
	}
	if common.IsExternal(req.UserId) {
		return nil, errcode.ErrInvalidParam.WithMsg("user id prefix is reserved")
	}

	userId := req.UserId
	if userId == "" {
		userId = uuid.New().String()
	}

	exists, err := s.userRepo.Exists(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "check user exists failed: %v", err)
		return nil, errcode.ErrInternalServer
	}
	if exists {
		return nil, errcode.ErrUserExists
	}

	user, err := s.createUser(ctx, userId, req.Nickname, req.Avatar, req.Password)
	if err != nil {
		return nil, err
	}

	log.CtxInfo(ctx, "user registered: user_id=%s", userId)
	data := user.ToData(false)
	return &data, nil
}

func (s *AuthService) createUser(ctx context.Context, userId, nickname, avatar, password string) (*entity.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.CtxError(ctx, "hash password failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	user := &entity.User{
		Id:       userId,
		Nickname: strings.TrimSpace(nickname),
		Password: string(hashed),
		Avatar:   avatar,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		log.CtxError(ctx, "create user failed: user_id=%s, err=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	return user, nil
}

// Login authenticates a user and returns a token
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	user, err := s.userRepo.GetById(ctx, req.UserId)
	if err != nil {
		log.CtxError(ctx, "get user failed: user_id=%s, err=%v", req.UserId, err)
		return nil, errcode.ErrInternalServer
	}
	if user == nil {
		log.CtxDebug(ctx, "user not found: user_id=%s", req.UserId)
		return nil, errcode.ErrUserNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, errcode.ErrPasswordWrong
	}

	return s.issue(ctx, user, req.PlatformId)
}

// LoginExternal accepts a token signed by the external identity provider.
// The account is provisioned on first use with a password derived from its id.
func (s *AuthService) LoginExternal(ctx context.Context, req *ExternalLoginRequest) (*LoginResponse, error) {
	ext := s.cfg.ExternalJWT
	if !ext.Enabled {
		return nil, errcode.ErrForbidden.WithMsg("external login disabled")
	}

	claims, err := jwt.ParseExternalToken(req.Token, jwt.ExternalOptions{
		Secret:            ext.Secret,
		Issuer:            ext.Issuer,
		DefaultKind:       ext.DefaultRole,
		DefaultPlatformId: ext.DefaultPlatformId,
	})
	if err != nil {
		log.CtxDebug(ctx, "parse external token failed: %v", err)
		return nil, err
	}

	platformId := claims.PlatformId
	if req.PlatformId != 0 {
		platformId = req.PlatformId
	}

	user, err := s.userRepo.GetById(ctx, claims.UserId)
	if err != nil {
		log.CtxError(ctx, "get user failed: user_id=%s, err=%v", claims.UserId, err)
		return nil, errcode.ErrInternalServer
	}
	if user == nil {
		nickname := req.Nickname
		if strings.TrimSpace(nickname) == "" {
			nickname = claims.UserId
		}
		password := common.DerivePassword(claims.UserId, ext.PasswordSecret, 0)
		if user, err = s.createUser(ctx, claims.UserId, nickname, "", password); err != nil {
			return nil, err
		}
		log.CtxInfo(ctx, "external user provisioned: user_id=%s", claims.UserId)
	}

	return s.issue(ctx, user, platformId)
}

// issue signs a token for user and retires older tokens on the same platform
func (s *AuthService) issue(ctx context.Context, user *entity.User, platformId int) (*LoginResponse, error) {
	token, err := jwt.GenerateToken(user.Id, platformId, s.cfg.JWT.Secret, s.cfg.JWT.TTL())
	if err != nil {
		log.CtxError(ctx, "generate token failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	if err := s.tokenStore.StoreToken(ctx, user.Id, platformId, token); err != nil {
		log.CtxError(ctx, "store token failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	kicked, err := s.tokenStore.KickOtherTokens(ctx, user.Id, platformId, token)
	if err != nil {
		log.CtxWarn(ctx, "kick other tokens failed: %v", err)
	} else if len(kicked) > 0 {
		log.CtxInfo(ctx, "kicked %d tokens for user_id=%s, platform_id=%d", len(kicked), user.Id, platformId)
		if s.kicker != nil {
			s.kicker.KickTokens(ctx, user.Id, platformId, kicked)
		}
	}

	log.CtxInfo(ctx, "user logged in: user_id=%s, platform_id=%d", user.Id, platformId)
	data := user.ToData(true)
	return &LoginResponse{Token: token, UserInfo: &data}, nil
}

// ValidateToken validates a token and returns claims
func (s *AuthService) ValidateToken(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := jwt.ParseToken(token, s.cfg.JWT.Secret)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatus(ctx, claims, token); err != nil {
		return nil, err
	}
	return claims, nil
}

// ValidateTokenWithUser validates token and checks if user matches
func (s *AuthService) ValidateTokenWithUser(ctx context.Context, token, userId string, platformId int) (*jwt.Claims, error) {
	claims, err := jwt.ValidateToken(token, s.cfg.JWT.Secret, userId, platformId)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatus(ctx, claims, token); err != nil {
		return nil, err
	}
	return claims, nil
}

// checkStatus rejects logged out or kicked tokens. Redis being unavailable
// falls back to signature validation only.
func (s *AuthService) checkStatus(ctx context.Context, claims *jwt.Claims, token string) error {
	status, err := s.tokenStore.Status(ctx, claims.UserId, claims.PlatformId, token)
	if err != nil {
		log.CtxWarn(ctx, "check token status failed: %v", err)
		return nil
	}
	switch status {
	case jwt.TokenStatusNormal:
		return nil
	case jwt.TokenStatusKicked:
		return errcode.ErrTokenInvalid.WithMsg("token replaced by a newer login")
	default:
		return errcode.ErrTokenInvalid
	}
}

// Logout invalidates a user's token
func (s *AuthService) Logout(ctx context.Context, userId string, platformId int, token string) error {
	if err := s.tokenStore.InvalidateToken(ctx, userId, platformId, token); err != nil {
		log.CtxError(ctx, "invalidate token failed: %v", err)
		return errcode.ErrInternalServer
	}
	log.CtxInfo(ctx, "user logged out: user_id=%s, platform_id=%d", userId, platformId)
	return nil
}
