package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/asset-forge/internal/config"
)

const testPassword = "correct-horse"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return NewManager(&config.Config{
		AppUsername:     "operator",
		AppPasswordHash: string(hash),
		AppUserTier:     2,
		SessionSecret:   "session-secret-for-tests-0123456789",
		JWTSecret:       "jwt-secret-for-tests",
		JWTTTL:          time.Hour,
	})
}

func newTestRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	store := cookie.NewStore([]byte(m.cfg.SessionSecret))
	router.Use(sessions.Sessions(SessionCookieName, store))
	router.POST("/auth/login", m.Login)
	router.POST("/auth/logout", m.Logout)

	api := router.Group("/api", m.ResolveIdentity(), m.VerifyCSRF())
	api.GET("/whoami", func(c *gin.Context) {
		identity := IdentityFromContext(c)
		if identity == nil {
			c.JSON(http.StatusOK, gin.H{"anonymous": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"userId": identity.UserID, "tier": identity.Tier, "source": identity.Source})
	})
	api.POST("/mutate", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	api.GET("/private", m.RequireLogin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func login(t *testing.T, router *gin.Engine, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "operator", "password": password})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func withCookies(req *http.Request, rec *httptest.ResponseRecorder) {
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
}

func TestIssueAndParseToken(t *testing.T) {
	m := newTestManager(t)
	token, expiresAt, err := m.IssueToken("user-1", 3)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expiresAt should be in the future: %v", expiresAt)
	}

	identity, err := m.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken returned error: %v", err)
	}
	if identity.UserID != "user-1" || identity.Tier != 3 || identity.Source != SourceBearer {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestParseTokenRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)
	token, _, err := m.IssueToken("user-1", 1)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := m.ParseToken(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	issuer := newTestManager(t)
	issuer.cfg.JWTSecret = "another-secret"
	token, _, err := issuer.IssueToken("user-1", 1)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	if _, err := newTestManager(t).ParseToken(token); err == nil {
		t.Fatal("expected error for token signed with another secret")
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	m := newTestManager(t)
	m.cfg.JWTSecret = ""
	if _, _, err := m.IssueToken("user-1", 1); err == nil {
		t.Fatal("expected error when JWT secret is empty")
	}
}

func TestResolveIdentityBearer(t *testing.T) {
	m := newTestManager(t)
	router := newTestRouter(m)
	token, _, err := m.IssueToken("user-9", 1)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["userId"] != "user-9" || body["source"] != SourceBearer {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestResolveIdentityRejectsInvalidBearer(t *testing.T) {
	router := newTestRouter(newTestManager(t))
	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestResolveIdentityAnonymous(t *testing.T) {
	router := newTestRouter(newTestManager(t))
	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"anonymous":true`)) {
		t.Fatalf("expected anonymous body, got %s", rec.Body.String())
	}
}

func TestRequireLoginWithoutCredentials(t *testing.T) {
	router := newTestRouter(newTestManager(t))
	req := httptest.NewRequest(http.MethodGet, "/api/private", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginIssuesSessionAndToken(t *testing.T) {
	m := newTestManager(t)
	router := newTestRouter(m)

	rec := login(t, router, testPassword)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(csrfHeader) == "" {
		t.Fatal("expected CSRF header on login response")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	accessToken, _ := body["accessToken"].(string)
	if accessToken == "" {
		t.Fatalf("expected accessToken in body: %v", body)
	}
	if _, err := m.ParseToken(accessToken); err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	withCookies(req, rec)
	next := httptest.NewRecorder()
	router.ServeHTTP(next, req)
	if !bytes.Contains(next.Body.Bytes(), []byte(`"source":"session"`)) {
		t.Fatalf("expected session identity, got %s", next.Body.String())
	}
	if !bytes.Contains(next.Body.Bytes(), []byte(`"tier":2`)) {
		t.Fatalf("expected tier 2, got %s", next.Body.String())
	}
}

func TestLoginLocksOutAfterRepeatedFailures(t *testing.T) {
	router := newTestRouter(newTestManager(t))
	for i := 0; i < maxLoginAttempts; i++ {
		rec := login(t, router, "wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := login(t, router, testPassword)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after lockout, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	m := newTestManager(t)
	router := newTestRouter(m)
	rec := login(t, router, testPassword)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d", rec.Code)
	}

	m.now = func() time.Time { return time.Now().Add(idleTimeout + time.Minute) }
	req := httptest.NewRequest(http.MethodGet, "/api/private", nil)
	withCookies(req, rec)
	next := httptest.NewRecorder()
	router.ServeHTTP(next, req)
	if next.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after idle timeout, got %d", next.Code)
	}
}

func TestVerifyCSRF(t *testing.T) {
	m := newTestManager(t)
	router := newTestRouter(m)
	rec := login(t, router, testPassword)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d", rec.Code)
	}
	csrf := rec.Header().Get(csrfHeader)

	missing := httptest.NewRequest(http.MethodPost, "/api/mutate", nil)
	withCookies(missing, rec)
	missingRec := httptest.NewRecorder()
	router.ServeHTTP(missingRec, missing)
	if missingRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", missingRec.Code)
	}

	valid := httptest.NewRequest(http.MethodPost, "/api/mutate", nil)
	withCookies(valid, rec)
	valid.Header.Set(csrfHeader, csrf)
	validRec := httptest.NewRecorder()
	router.ServeHTTP(validRec, valid)
	if validRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with CSRF token, got %d", validRec.Code)
	}
}

func TestVerifyCSRFSkipsBearerAndAnonymous(t *testing.T) {
	m := newTestManager(t)
	router := newTestRouter(m)
	token, _, err := m.IssueToken("user-1", 1)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}

	bearer := httptest.NewRequest(http.MethodPost, "/api/mutate", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)
	bearerRec := httptest.NewRecorder()
	router.ServeHTTP(bearerRec, bearer)
	if bearerRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for bearer request, got %d", bearerRec.Code)
	}

	anon := httptest.NewRequest(http.MethodPost, "/api/mutate", nil)
	anonRec := httptest.NewRecorder()
	router.ServeHTTP(anonRec, anon)
	if anonRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for anonymous request, got %d", anonRec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	if token, ok := bearerToken("Bearer abc"); !ok || token != "abc" {
		t.Fatalf("bearerToken = %q, %v", token, ok)
	}
	if _, ok := bearerToken("Basic abc"); ok {
		t.Fatal("expected Basic scheme to be rejected")
	}
	if _, ok := bearerToken("Bearer "); ok {
		t.Fatal("expected empty token to be rejected")
	}
}
