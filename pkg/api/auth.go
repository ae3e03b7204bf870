package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/openfroyo/envrun/pkg/engine"
)

const actorContextKey = "envrun.actor"

// AnonymousActor is attached to requests when authentication is disabled.
var AnonymousActor = engine.Actor{UserID: "anonymous"}

// Claims are the JWT claims envrun issues and accepts.
type Claims struct {
	TeamID string `json:"team_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 bearer tokens. The token subject
// becomes the actor's user ID.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. An empty secret disables
// verification and every request acts as AnonymousActor.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Enabled reports whether requests must carry a bearer token.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// IssueToken signs a token for actor valid for ttl.
func (a *Authenticator) IssueToken(actor engine.Actor, ttl time.Duration) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if actor.UserID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}

	now := a.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		TeamID: actor.TeamID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    a.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseToken verifies a signed token and returns its actor.
func (a *Authenticator) ParseToken(tokenString string) (engine.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return engine.Actor{}, err
	}
	if !token.Valid {
		return engine.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return engine.Actor{}, errors.New("token has no subject")
	}
	return engine.Actor{UserID: claims.Subject, TeamID: claims.TeamID}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// actor on the gin context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Set(actorContextKey, AnonymousActor)
			c.Next()
			return
		}

		raw, err := bearerToken(c)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		actor, err := a.ParseToken(raw)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid bearer token")
			return
		}
		c.Set(actorContextKey, actor)
		c.Next()
	}
}

// bearerToken reads the Authorization header, or the access_token query
// parameter for websocket clients that cannot set headers.
func bearerToken(c *gin.Context) (string, error) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

func actorFrom(c *gin.Context) engine.Actor {
	if v, ok := c.Get(actorContextKey); ok {
		if actor, ok := v.(engine.Actor); ok {
			return actor
		}
	}
	return AnonymousActor
}
