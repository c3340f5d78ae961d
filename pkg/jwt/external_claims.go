package jwt

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/mbeoliero/chatsync/common"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// ExternalClaims are carried by tokens minted by the account dashboard.
// The numeric account id is mapped to a chat user id through common.Account.
type ExternalClaims struct {
	AccountId int64  `json:"user_id"`
	Kind      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ExternalOptions controls how dashboard tokens are accepted
type ExternalOptions struct {
	Secret            string
	Issuer            string // Empty skips the issuer check
	DefaultKind       string
	DefaultPlatformId int
}

// ParseExternalToken validates a dashboard token and converts it to local Claims
func ParseExternalToken(tokenString string, opts ExternalOptions) (*Claims, error) {
	var parserOpts []jwt.ParserOption
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &ExternalClaims{}, hmacKey(opts.Secret), parserOpts...)
	if err != nil {
		return nil, classify(err)
	}
	ext, ok := token.Claims.(*ExternalClaims)
	if !ok || !token.Valid {
		return nil, errcode.ErrTokenInvalid
	}

	kind := ext.Kind
	if kind == "" {
		kind = opts.DefaultKind
	}
	account := common.Account{Id: ext.AccountId, Kind: common.AccountKind(kind)}
	userId, err := account.UserId()
	if err != nil {
		return nil, errcode.ErrTokenInvalid.Wrap(err)
	}

	return &Claims{
		UserId:           userId,
		PlatformId:       opts.DefaultPlatformId,
		RegisteredClaims: ext.RegisteredClaims,
	}, nil
}
