package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const ActorKey contextKey = "actor"

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// Claims is the bearer token payload. Subject carries the user uuid.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

// Actor is the verified identity behind a request.
type Actor struct {
	ID    uuid.UUID
	Name  string
	Roles []string
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Primary returns the most privileged role held: admin, then doctor, then patient.
func (a Actor) Primary() string {
	for _, r := range []string{RoleAdmin, RoleDoctor, RolePatient} {
		if a.HasRole(r) {
			return r
		}
	}
	return ""
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			actor, err := authenticate(c.Request().Header.Get("Authorization"), cfg)
			if err != nil {
				return err
			}
			setActor(c, actor)
			return next(c)
		}
	}
}

func authenticate(header string, cfg JWTConfig) (Actor, error) {
	if header == "" {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "token subject is not a user id")
	}

	var roles []string
	for _, r := range claims.Roles {
		switch r {
		case RolePatient, RoleDoctor, RoleAdmin:
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		return Actor{}, echo.NewHTTPError(http.StatusForbidden, "token carries no recognised role")
	}

	return Actor{ID: id, Name: claims.Name, Roles: roles}, nil
}

// DevAuthMiddleware injects the configured development identity for requests
// without an Authorization header. Requests that do send a token are still
// verified when a signing key is configured.
func DevAuthMiddleware(dev Actor, cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" || len(cfg.SigningKey) == 0 {
				setActor(c, dev)
				return next(c)
			}

			actor, err := authenticate(header, cfg)
			if err != nil {
				return err
			}
			setActor(c, actor)
			return next(c)
		}
	}
}

func setActor(c echo.Context, a Actor) {
	c.Set("actor_id", a.ID.String())
	c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), a)))
}

// WithActor returns a context carrying the given actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ActorKey, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ActorKey).(Actor)
	return a, ok
}
