package authclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ehr/medportal/internal/domain/session"
	"github.com/ehr/medportal/internal/platform/auth"
	"github.com/ehr/medportal/internal/platform/validate"
	"github.com/ehr/medportal/internal/server"
	"github.com/ehr/medportal/pkg/authclient"
)

const password = "correct horse battery"

type identities map[string]*auth.Identity

func (m identities) LookupByEmail(_ context.Context, email string) (*auth.Identity, error) {
	if ident, ok := m[auth.NormalizeIdentifier(email)]; ok {
		cp := *ident
		return &cp, nil
	}
	return nil, auth.ErrIdentityNotFound
}

func (m identities) LookupByID(_ context.Context, id uuid.UUID) (*auth.Identity, error) {
	for _, ident := range m {
		if ident.UserID == id {
			cp := *ident
			return &cp, nil
		}
	}
	return nil, auth.ErrIdentityNotFound
}

// newPortal serves the real session endpoints plus two guarded routes.
func newPortal(t *testing.T) string {
	t.Helper()
	hasher := auth.NewBcryptHasher(bcrypt.MinCost, 5*time.Second)
	digest, err := hasher.Hash(context.Background(), password)
	if err != nil {
		t.Fatal(err)
	}
	ids := identities{
		"ana@clinic.test":   {UserID: uuid.New(), Email: "ana@clinic.test", Role: auth.RolePatient, Active: true, PasswordHash: digest},
		"dr.bo@clinic.test": {UserID: uuid.New(), Email: "dr.bo@clinic.test", Role: auth.RoleDoctor, Active: false, PasswordHash: digest},
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Issuer:     "medportal",
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		AccessTTL:  15 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	store := session.NewMemoryStore()
	t.Cleanup(store.Close)
	mgr := session.NewManager(store, auth.NewCredentialVerifier(ids, hasher), ids, tokens, session.Config{
		RefreshTTL: 24 * time.Hour,
	})
	guard := auth.NewGuard(tokens, auth.Policy{AdminOverride: true})

	e := echo.New()
	e.Validator = validate.New()
	e.HTTPErrorHandler = server.ErrorHandler(zerolog.Nop())
	session.NewHandler(mgr, guard, session.CookieConfig{}).RegisterRoutes(e.Group("/auth"), nil)
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/api/v1/ping", ok, guard.Require())
	e.GET("/api/v1/admin", ok, guard.Require(auth.RoleAdmin))

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newAgent(t *testing.T, baseURL, device string, onLogout func(error)) *authclient.Agent {
	t.Helper()
	a, err := authclient.New(authclient.Config{BaseURL: baseURL, Device: device, OnLogout: onLogout})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAgentAgainstPortal(t *testing.T) {
	base := newPortal(t)
	ctx := context.Background()

	var ended []error
	laptop := newAgent(t, base, "laptop", func(err error) { ended = append(ended, err) })
	s, err := laptop.Login(ctx, "  Ana@Clinic.test ", password)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.Role != "patient" || s.RefreshToken == "" {
		t.Fatalf("session = %+v", s)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/api/v1/ping", nil)
	resp, err := laptop.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, base+"/api/v1/admin", nil)
	if _, err := laptop.Do(req); !errors.Is(err, authclient.ErrForbidden) {
		t.Fatalf("admin route: want ErrForbidden, got %v", err)
	}

	rotated, err := laptop.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == s.RefreshToken {
		t.Error("refresh must rotate the refresh token")
	}

	phone := newAgent(t, base, "phone", nil)
	if _, err := phone.Login(ctx, "ana@clinic.test", password); err != nil {
		t.Fatalf("phone Login: %v", err)
	}
	list, err := phone.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", list)
	}
	var laptopID uuid.UUID
	for _, v := range list {
		if v.IsCurrent != (v.Device == "phone") {
			t.Errorf("isCurrent wrong for %+v", v)
		}
		if v.Device == "laptop" {
			laptopID = v.ID
		}
	}

	if err := phone.RevokeSession(ctx, laptopID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := laptop.Refresh(ctx); !errors.Is(err, authclient.ErrUnauthenticated) {
		t.Fatalf("refresh of a revoked session: want ErrUnauthenticated, got %v", err)
	}
	if len(ended) != 1 {
		t.Errorf("OnLogout calls = %d", len(ended))
	}
	if _, ok := laptop.Current(); ok {
		t.Error("revoked agent must drop its tokens")
	}

	if err := phone.LogoutAll(ctx); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if _, err := phone.Refresh(ctx); !errors.Is(err, authclient.ErrNotLoggedIn) {
		t.Errorf("after LogoutAll: want ErrNotLoggedIn, got %v", err)
	}
}

func TestAgentAgainstPortal_LoginFailures(t *testing.T) {
	base := newPortal(t)
	a := newAgent(t, base, "", nil)
	ctx := context.Background()

	if _, err := a.Login(ctx, "ana@clinic.test", "wrong password"); !errors.Is(err, authclient.ErrUnauthenticated) {
		t.Errorf("wrong password: %v", err)
	}
	if _, err := a.Login(ctx, "nobody@clinic.test", password); !errors.Is(err, authclient.ErrUnauthenticated) {
		t.Errorf("unknown account: %v", err)
	}
	_, err := a.Login(ctx, "dr.bo@clinic.test", password)
	if !errors.Is(err, authclient.ErrForbidden) {
		t.Errorf("pending doctor: want ErrForbidden, got %v", err)
	}
	if _, ok := a.Current(); ok {
		t.Error("no session expected")
	}
}
