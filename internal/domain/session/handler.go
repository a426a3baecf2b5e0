package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medportal/internal/platform/auth"
	"github.com/ehr/medportal/internal/platform/validate"
)

const (
	// HeaderRefreshDelivery set to "body" asks for the refresh token in the
	// JSON response as well as the cookie. Native clients use it.
	HeaderRefreshDelivery = "X-Refresh-Delivery"
	// HeaderRefreshToken lets cookie-less clients identify their own session
	// when listing sessions.
	HeaderRefreshToken = "X-Refresh-Token"
	HeaderDeviceName   = "X-Device-Name"
)

// CookieConfig describes the refresh token cookie.
type CookieConfig struct {
	Name   string
	Path   string
	Domain string
	Secure bool
}

func (c CookieConfig) withDefaults() CookieConfig {
	if c.Name == "" {
		c.Name = "medportal_refresh"
	}
	if c.Path == "" {
		c.Path = "/auth"
	}
	return c
}

type Handler struct {
	mgr    *Manager
	guard  *auth.Guard
	cookie CookieConfig
}

func NewHandler(mgr *Manager, guard *auth.Guard, cookie CookieConfig) *Handler {
	return &Handler{mgr: mgr, guard: guard, cookie: cookie.withDefaults()}
}

// RegisterRoutes mounts the /auth endpoints on g. limit, when non-nil, is
// applied to the credential and refresh exchanges.
func (h *Handler) RegisterRoutes(g *echo.Group, limit echo.MiddlewareFunc) {
	var limited []echo.MiddlewareFunc
	if limit != nil {
		limited = append(limited, limit)
	}
	g.POST("/login", h.Login, limited...)
	g.POST("/refresh", h.Refresh, limited...)
	g.POST("/logout", h.Logout)

	authed := g.Group("", h.guard.Require())
	authed.POST("/logout-all", h.LogoutAll)
	authed.GET("/sessions", h.ListSessions)
	authed.DELETE("/sessions/:id", h.RevokeSession)
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
	Password   string `json:"password" validate:"required,max=1024"`
	Device     string `json:"device" validate:"max=128"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userRef struct {
	ID   uuid.UUID `json:"id"`
	Role auth.Role `json:"role"`
}

type tokenResponse struct {
	AccessToken  string  `json:"accessToken"`
	TokenType    string  `json:"tokenType"`
	ExpiresIn    int64   `json:"expiresIn"`
	RefreshToken string  `json:"refreshToken,omitempty"`
	User         userRef `json:"user"`
}

type sessionsResponse struct {
	Sessions []View `json:"sessions"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	md := h.metadata(c)
	if req.Device != "" {
		md.Device = req.Device
	}
	p, err := h.mgr.Login(c.Request().Context(), req.Identifier, req.Password, md)
	if err != nil {
		return err
	}
	return h.respondPair(c, p)
}

func (h *Handler) Refresh(c echo.Context) error {
	token := h.refreshToken(c)
	if token == "" {
		var req refreshRequest
		if err := c.Bind(&req); err != nil {
			return err
		}
		token = req.RefreshToken
	}
	p, err := h.mgr.Refresh(c.Request().Context(), token, h.metadata(c))
	if err != nil {
		if auth.HTTPStatus(err) < http.StatusInternalServerError {
			// The presented token is dead; drop it from the browser.
			h.clearCookie(c)
		}
		return err
	}
	return h.respondPair(c, p)
}

func (h *Handler) Logout(c echo.Context) error {
	token := h.refreshToken(c)
	if token == "" {
		var req refreshRequest
		if err := c.Bind(&req); err == nil {
			token = req.RefreshToken
		}
	}
	if err := h.mgr.Logout(c.Request().Context(), token); err != nil {
		return err
	}
	h.clearCookie(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) LogoutAll(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if _, err := h.mgr.LogoutAll(c.Request().Context(), p.UserID); err != nil {
		return err
	}
	h.clearCookie(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListSessions(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	current := h.refreshToken(c)
	if current == "" {
		current = c.Request().Header.Get(HeaderRefreshToken)
	}
	views, err := h.mgr.ListSessions(c.Request().Context(), p.UserID, current)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionsResponse{Sessions: views})
}

func (h *Handler) RevokeSession(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	if err := h.mgr.RevokeSession(c.Request().Context(), p.UserID, id); err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			// A missing resource here, not a dead credential.
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) metadata(c echo.Context) Metadata {
	req := c.Request()
	return Metadata{
		Device:    truncate(req.Header.Get(HeaderDeviceName), 128),
		UserAgent: truncate(req.UserAgent(), 512),
		IP:        c.RealIP(),
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (h *Handler) refreshToken(c echo.Context) string {
	ck, err := c.Cookie(h.cookie.Name)
	if err != nil {
		return ""
	}
	return ck.Value
}

func (h *Handler) respondPair(c echo.Context, p *TokenPair) error {
	c.SetCookie(&http.Cookie{
		Name:     h.cookie.Name,
		Value:    p.RefreshToken,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   int(h.mgr.RefreshTTL().Seconds()),
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	resp := tokenResponse{
		AccessToken: p.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.AccessExpiresIn.Seconds()),
		User:        userRef{ID: p.UserID, Role: p.Role},
	}
	if c.Request().Header.Get(HeaderRefreshDelivery) == "body" {
		resp.RefreshToken = p.RefreshToken
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) clearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
