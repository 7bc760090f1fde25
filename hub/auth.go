package hub

import (
	"context"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/exp/slices"
)

// admission decision for one (document, token) pair
type Decision struct {
	Allow  bool
	Scope  string
	Reason string
}

func Allow(scope string) Decision {
	return Decision{
		Allow: true,
		Scope: scope,
	}
}

func Deny(reason string) Decision {
	return Decision{
		Reason: reason,
	}
}

type Authenticator interface {
	Authenticate(ctx context.Context, documentName string, token string) Decision
}

type AuthenticatorFunc func(ctx context.Context, documentName string, token string) Decision

func (self AuthenticatorFunc) Authenticate(ctx context.Context, documentName string, token string) Decision {
	return self(ctx, documentName, token)
}

// admits everything. dev and test policy
func AllowAll() Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, documentName string, token string) Decision {
		return Allow("")
	})
}

// hmac signed tokens with a `docs` claim listing the document names the
// token admits. a single "*" entry admits every document
type JwtAuthenticator struct {
	secret []byte
}

func NewJwtAuthenticator(secret []byte) *JwtAuthenticator {
	return &JwtAuthenticator{
		secret: secret,
	}
}

type docClaims struct {
	Docs  []string `json:"docs"`
	Scope string   `json:"scope,omitempty"`
	gojwt.RegisteredClaims
}

func (self *JwtAuthenticator) Authenticate(ctx context.Context, documentName string, token string) Decision {
	if token == "" {
		return Deny("missing token")
	}
	claims := &docClaims{}
	_, err := gojwt.ParseWithClaims(
		token,
		claims,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return self.secret, nil
		},
	)
	if err != nil {
		return Deny(fmt.Sprintf("invalid token: %s", err))
	}
	if slices.Contains(claims.Docs, "*") || slices.Contains(claims.Docs, documentName) {
		return Allow(claims.Scope)
	}
	return Deny(fmt.Sprintf("token does not admit %s", documentName))
}

// mints a token the jwt authenticator accepts
func MintToken(secret []byte, documentNames []string, scope string, ttl time.Duration) (string, error) {
	claims := &docClaims{
		Docs:  documentNames,
		Scope: scope,
		RegisteredClaims: gojwt.RegisteredClaims{
			ExpiresAt: gojwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  gojwt.NewNumericDate(time.Now()),
		},
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// the client side of admission. a token may be a fixed value or produced on
// demand; a producer failure means no token is available and the flow
// proceeds without one
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (self StaticToken) Token(ctx context.Context) (string, error) {
	return string(self), nil
}

type TokenFunc func(ctx context.Context) (string, error)

func (self TokenFunc) Token(ctx context.Context) (string, error) {
	return self(ctx)
}
