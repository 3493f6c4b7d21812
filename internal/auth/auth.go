package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

const devSubject = "dev"

// Claims identifies the caller. Roles lists the approver roles the caller
// may act in. Only the dev token acts in every role.
type Claims struct {
	Subject  string
	Issuer   string
	Roles    []string
	Token    string
	AllRoles bool
}

// HasRole reports whether the caller may act in role.
func (c Claims) HasRole(role string) bool {
	if c.AllRoles {
		return true
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

type MultiAuthenticator struct {
	DevToken string
	JWT      *JWTAuthenticator
}

// NewAuthenticator accepts the dev token, when set, and HS256 bearer JWTs
// signed with secret, when set.
func NewAuthenticator(devToken, secret, issuer string) *MultiAuthenticator {
	a := &MultiAuthenticator{DevToken: devToken}
	if secret != "" {
		a.JWT = NewJWTAuthenticator([]byte(secret), issuer)
	}
	return a
}

func (a *MultiAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}

	if a.DevToken != "" {
		if bearer == a.DevToken {
			return Claims{Subject: devSubject, Issuer: "tollgate-dev", Token: bearer, AllRoles: true}, nil
		}
	}

	if a.JWT != nil {
		claims, err := a.JWT.AuthenticateBearer(bearer)
		if err == nil {
			claims.Token = bearer
			return claims, nil
		}
	}

	return Claims{}, ErrInvalidToken
}

// JWTAuthenticator verifies HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type privateClaims struct {
	Roles []string `json:"roles,omitempty"`
}

func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	if issuer == "" {
		issuer = "tollgate"
	}
	return &JWTAuthenticator{secret: secret, issuer: issuer, now: time.Now}
}

func (a *JWTAuthenticator) AuthenticateBearer(token string) (Claims, error) {
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var std jwt.Claims
	var priv privateClaims
	if err := tok.Claims(a.secret, &std, &priv); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: a.issuer, Time: a.now()}, 30*time.Second); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if std.Subject == "" || std.Expiry == nil {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: std.Subject, Issuer: std.Issuer, Roles: priv.Roles}, nil
}

// Issue mints a token for subject, valid for ttl. Operators use it through
// the CLI to hand credentials to agents and approvers.
func (a *JWTAuthenticator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: a.secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}
	now := a.now()
	std := jwt.Claims{
		Issuer:   a.issuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(signer).Claims(std).Claims(privateClaims{Roles: roles}).Serialize()
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
