package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medportal/internal/platform/auth"
	"github.com/ehr/medportal/internal/platform/validate"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *harness) {
	t.Helper()
	hs := newHarness(t)
	guard := auth.NewGuard(hs.tokens, auth.Policy{AdminOverride: true})
	h := NewHandler(hs.mgr, guard, CookieConfig{Secure: true})
	e := echo.New()
	e.Validator = validate.New()
	return h, e, hs
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func refreshCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "medportal_refresh" {
			return ck
		}
	}
	return nil
}

func TestHandler_Login(t *testing.T) {
	h, e, hs := newTestHandler(t)
	req := jsonRequest(http.MethodPost, "/auth/login", `{"identifier":"ana@clinic.test","password":"`+testPassword+`","device":"phone"}`)
	req.Header.Set("User-Agent", "portal-web/1.0")
	rec := httptest.NewRecorder()

	if err := h.Login(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AccessToken == "" || resp.TokenType != "Bearer" || resp.ExpiresIn != 900 {
		t.Errorf("unexpected body %+v", resp)
	}
	if resp.RefreshToken != "" {
		t.Error("refresh token must not be in the body by default")
	}
	if resp.User.ID != hs.patient.UserID || resp.User.Role != auth.RolePatient {
		t.Errorf("user = %+v", resp.User)
	}

	ck := refreshCookie(rec)
	if ck == nil || ck.Value == "" {
		t.Fatal("refresh cookie not set")
	}
	if !ck.HttpOnly || !ck.Secure || ck.SameSite != http.SameSiteStrictMode || ck.Path != "/auth" {
		t.Errorf("cookie attributes: %+v", ck)
	}

	views, _ := hs.mgr.ListSessions(req.Context(), hs.patient.UserID, ck.Value)
	if len(views) != 1 || views[0].Device != "phone" || views[0].UserAgent != "portal-web/1.0" || !views[0].IsCurrent {
		t.Errorf("session metadata: %+v", views)
	}
}

func TestHandler_Login_BodyDelivery(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := jsonRequest(http.MethodPost, "/auth/login", `{"identifier":"ana@clinic.test","password":"`+testPassword+`"}`)
	req.Header.Set(HeaderRefreshDelivery, "body")
	rec := httptest.NewRecorder()

	if err := h.Login(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var resp tokenResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.RefreshToken == "" || resp.RefreshToken != refreshCookie(rec).Value {
		t.Error("expected refresh token in body matching the cookie")
	}
}

func TestHandler_Login_Errors(t *testing.T) {
	h, e, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
		check func(error) bool
	}{
		{"missing password", `{"identifier":"ana@clinic.test"}`, func(err error) bool {
			var ve *validate.Error
			return errors.As(err, &ve) && ve.Fields()["password"] != ""
		}},
		{"wrong password", `{"identifier":"ana@clinic.test","password":"nope"}`, func(err error) bool {
			return errors.Is(err, auth.ErrInvalidCredentials)
		}},
		{"pending doctor", `{"identifier":"dr.bo@clinic.test","password":"` + testPassword + `"}`, func(err error) bool {
			return errors.Is(err, auth.ErrAccountNotActive)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			err := h.Login(e.NewContext(jsonRequest(http.MethodPost, "/auth/login", tt.body), rec))
			if !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
			if refreshCookie(rec) != nil {
				t.Error("cookie set on failed login")
			}
		})
	}
}

func TestHandler_Refresh_FromCookie(t *testing.T) {
	h, e, hs := newTestHandler(t)
	p := hs.login(t, hs.patient, "phone")

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "medportal_refresh", Value: p.RefreshToken})
	rec := httptest.NewRecorder()

	if err := h.Refresh(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ck := refreshCookie(rec)
	if ck == nil || ck.Value == "" || ck.Value == p.RefreshToken {
		t.Fatalf("expected a rotated cookie, got %+v", ck)
	}
}

func TestHandler_Refresh_FromBody(t *testing.T) {
	h, e, hs := newTestHandler(t)
	p := hs.login(t, hs.patient, "phone")

	req := jsonRequest(http.MethodPost, "/auth/refresh", `{"refreshToken":"`+p.RefreshToken+`"}`)
	req.Header.Set(HeaderRefreshDelivery, "body")
	rec := httptest.NewRecorder()

	if err := h.Refresh(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp tokenResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.RefreshToken == "" || resp.RefreshToken == p.RefreshToken {
		t.Errorf("expected rotated token in body")
	}
}

func TestHandler_Refresh_ReplayClearsCookie(t *testing.T) {
	h, e, hs := newTestHandler(t)
	p := hs.login(t, hs.patient, "phone")
	if _, err := hs.mgr.Refresh(t.Context(), p.RefreshToken, Metadata{}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "medportal_refresh", Value: p.RefreshToken})
	rec := httptest.NewRecorder()

	err := h.Refresh(e.NewContext(req, rec))
	if !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	if ck := refreshCookie(rec); ck == nil || ck.MaxAge >= 0 {
		t.Errorf("expected the cookie to be cleared, got %+v", ck)
	}
}

func TestHandler_Logout(t *testing.T) {
	h, e, hs := newTestHandler(t)
	p := hs.login(t, hs.patient, "phone")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.AddCookie(&http.Cookie{Name: "medportal_refresh", Value: p.RefreshToken})
		rec := httptest.NewRecorder()
		if err := h.Logout(e.NewContext(req, rec)); err != nil {
			t.Fatalf("logout #%d: %v", i+1, err)
		}
		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
	}
	if hs.store.Len() != 0 {
		t.Error("session not revoked")
	}
}

// routed wires the handler behind the guard with a minimal error mapper so
// status codes can be asserted end to end.
func routed(t *testing.T) (*echo.Echo, *harness) {
	t.Helper()
	h, e, hs := newTestHandler(t)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = c.NoContent(he.Code)
			return
		}
		_ = c.JSON(auth.HTTPStatus(err), map[string]string{"error": auth.Code(err)})
	}
	h.RegisterRoutes(e.Group("/auth"), nil)
	return e, hs
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_SessionsRequireAuthentication(t *testing.T) {
	e, _ := routed(t)
	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/auth/sessions"},
		{http.MethodPost, "/auth/logout-all"},
		{http.MethodDelete, "/auth/sessions/" + uuid.NewString()},
	} {
		rec := serve(e, httptest.NewRequest(r.method, r.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", r.method, r.path, rec.Code)
		}
	}
}

func TestRoutes_ListAndRevoke(t *testing.T) {
	e, hs := routed(t)
	phone := hs.login(t, hs.patient, "phone")
	laptop := hs.login(t, hs.patient, "laptop")
	other := hs.login(t, hs.admin, "desk")
	bearer := "Bearer " + phone.AccessToken

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.Header.Set(echo.HeaderAuthorization, bearer)
	req.Header.Set(HeaderRefreshToken, phone.RefreshToken)
	rec := serve(e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var list sessionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list.Sessions))
	}
	for _, v := range list.Sessions {
		if v.IsCurrent != (v.ID == phone.SessionID) {
			t.Errorf("isCurrent wrong for %s", v.ID)
		}
	}
	if strings.Contains(rec.Body.String(), phone.RefreshToken) {
		t.Error("listing leaked a refresh token")
	}

	cases := []struct {
		name string
		path string
		want int
	}{
		{"bad id", "/auth/sessions/not-a-uuid", http.StatusBadRequest},
		{"someone else's", "/auth/sessions/" + other.SessionID.String(), http.StatusForbidden},
		{"unknown", "/auth/sessions/" + uuid.NewString(), http.StatusNotFound},
		{"own", "/auth/sessions/" + laptop.SessionID.String(), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, tc.path, nil)
			req.Header.Set(echo.HeaderAuthorization, bearer)
			if rec := serve(e, req); rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}

	// The refused cross-user revocation left the target session usable.
	rec = serve(e, jsonRequest(http.MethodPost, "/auth/refresh", `{"refreshToken":"`+other.RefreshToken+`"}`))
	if rec.Code != http.StatusOK {
		t.Errorf("other user's session after refused revoke: refresh = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRoutes_LogoutAll(t *testing.T) {
	e, hs := routed(t)
	a := hs.login(t, hs.patient, "phone")
	hs.login(t, hs.patient, "laptop")
	keep := hs.login(t, hs.admin, "desk")

	req := httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+a.AccessToken)
	if rec := serve(e, req); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if hs.store.Len() != 1 {
		t.Errorf("expected only the admin session left, got %d", hs.store.Len())
	}
	if _, err := hs.store.GetByID(t.Context(), keep.SessionID); err != nil {
		t.Errorf("admin session revoked: %v", err)
	}
}
