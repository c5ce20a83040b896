package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d, got nil error", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			expectStatus(t, h(c), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidTokenSetsActor(t *testing.T) {
	uid := uuid.New()
	tokenStr := createTestToken(t, validClaims(uid.String(), "doctor", "auditor"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Actor
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		a, ok := ActorFromContext(c.Request().Context())
		if !ok {
			t.Fatal("expected actor on request context")
		}
		got = a
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.ID != uid {
		t.Errorf("expected actor id %s, got %s", uid, got.ID)
	}
	if len(got.Roles) != 1 || got.Roles[0] != RoleDoctor {
		t.Errorf("expected only the doctor role to survive, got %v", got.Roles)
	}
	if c.Get("actor_id") != uid.String() {
		t.Errorf("expected actor_id %s on echo context, got %v", uid, c.Get("actor_id"))
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	uid := uuid.New().String()
	expired := validClaims(uid, "patient")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	noExpiry := validClaims(uid, "patient")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"expired", createTestToken(t, expired, testSigningKey), http.StatusUnauthorized},
		{"no expiry", createTestToken(t, noExpiry, testSigningKey), http.StatusUnauthorized},
		{"wrong key", createTestToken(t, validClaims(uid, "patient"), []byte("another-key-entirely-another-key")), http.StatusUnauthorized},
		{"subject not uuid", createTestToken(t, validClaims("dr_smith", "doctor"), testSigningKey), http.StatusUnauthorized},
		{"no known role", createTestToken(t, validClaims(uid, "nurse"), testSigningKey), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
				t.Fatal("handler must not run")
				return nil
			})
			expectStatus(t, h(c), tt.status)
		})
	}
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	claims := validClaims(uuid.New().String(), "patient")
	claims.Issuer = "https://id.example"
	claims.Audience = jwt.ClaimStrings{"medweb"}
	tokenStr := createTestToken(t, claims, testSigningKey)

	run := func(cfg JWTConfig) error {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		c := e.NewContext(req, httptest.NewRecorder())
		return JWTMiddleware(cfg)(func(c echo.Context) error { return nil })(c)
	}

	if err := run(JWTConfig{SigningKey: testSigningKey, Issuer: "https://id.example", Audience: "medweb"}); err != nil {
		t.Fatalf("expected matching issuer/audience to pass, got %v", err)
	}
	expectStatus(t, run(JWTConfig{SigningKey: testSigningKey, Issuer: "https://other.example"}), http.StatusUnauthorized)
	expectStatus(t, run(JWTConfig{SigningKey: testSigningKey, Audience: "billing"}), http.StatusUnauthorized)
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/health")

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("expected health check to skip auth, got %v", err)
	}
}

func TestDevAuthMiddleware_InjectsDevIdentity(t *testing.T) {
	dev := Actor{ID: uuid.New(), Roles: []string{RoleAdmin}}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := DevAuthMiddleware(dev, JWTConfig{})(func(c echo.Context) error {
		a, ok := ActorFromContext(c.Request().Context())
		if !ok || a.ID != dev.ID {
			t.Errorf("expected dev actor %s, got %+v", dev.ID, a)
		}
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_VerifiesPresentedToken(t *testing.T) {
	dev := Actor{ID: uuid.New(), Roles: []string{RoleAdmin}}
	patient := uuid.New()
	tokenStr := createTestToken(t, validClaims(patient.String(), "patient"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	h := DevAuthMiddleware(dev, JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		a, _ := ActorFromContext(c.Request().Context())
		if a.ID != patient {
			t.Errorf("expected token identity %s, got %s", patient, a.ID)
		}
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	c = e.NewContext(req, httptest.NewRecorder())
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestActor_Primary(t *testing.T) {
	tests := []struct {
		roles []string
		want  string
	}{
		{[]string{"patient"}, RolePatient},
		{[]string{"patient", "doctor"}, RoleDoctor},
		{[]string{"doctor", "admin"}, RoleAdmin},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := (Actor{Roles: tt.roles}).Primary(); got != tt.want {
			t.Errorf("Primary(%v) = %q, want %q", tt.roles, got, tt.want)
		}
	}
}
