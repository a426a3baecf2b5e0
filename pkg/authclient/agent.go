// Package authclient is a Go client for the medportal auth API. An Agent
// signs in once, keeps the access token fresh in the background and attaches
// it to requests sent through Do.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	refreshLead       = 5 * time.Minute
	minRefreshEvery   = 30 * time.Second
	defaultRefreshTTL = 10 * time.Second
	maxErrorBody      = 64 << 10

	headerRefreshToken    = "X-Refresh-Token"
	headerRefreshDelivery = "X-Refresh-Delivery"
	headerDeviceName      = "X-Device-Name"
)

// Config configures an Agent. BaseURL is required.
type Config struct {
	BaseURL string
	// HTTPClient sends every request. It is used as is and never modified.
	HTTPClient *http.Client
	Clock      Clock
	// RefreshEvery overrides the proactive refresh period. Zero derives it
	// from the server's expiresIn.
	RefreshEvery time.Duration
	// RefreshTimeout bounds a refresh started by the timer or shared between
	// callers.
	RefreshTimeout time.Duration
	Device         string
	// OnLogout is called when the agent ends the session itself because the
	// server rejected the refresh token.
	OnLogout func(reason error)
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// Session is the credential state of a signed-in agent.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       uuid.UUID
	Role         string
}

// SessionInfo is one entry of the session list.
type SessionInfo struct {
	ID        uuid.UUID `json:"id"`
	Device    string    `json:"device"`
	UserAgent string    `json:"userAgent"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsCurrent bool      `json:"isCurrent"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
	User         struct {
		ID   uuid.UUID `json:"id"`
		Role string    `json:"role"`
	} `json:"user"`
}

type Agent struct {
	base   *url.URL
	hc     *http.Client
	clock  Clock
	cfg    Config
	logger zerolog.Logger

	flight singleflight.Group

	mu     sync.Mutex
	sess   *Session
	timer  Timer
	gen    uint64
	closed bool
}

func New(cfg Config) (*Agent, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("authclient: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTTL
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Agent{
		base:   base,
		hc:     cfg.HTTPClient,
		clock:  cfg.Clock,
		cfg:    cfg,
		logger: logger.With().Str("component", "authclient").Logger(),
	}, nil
}

// Current returns a copy of the session, if any.
func (a *Agent) Current() (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return Session{}, false
	}
	return *a.sess, true
}

// Login exchanges credentials for a session and starts the refresh timer.
func (a *Agent) Login(ctx context.Context, identifier, password string) (Session, error) {
	if a.isClosed() {
		return Session{}, ErrClosed
	}
	body := map[string]string{"identifier": identifier, "password": password}
	if a.cfg.Device != "" {
		body["device"] = a.cfg.Device
	}
	tr, err := a.exchange(ctx, "/auth/login", body)
	if err != nil {
		return Session{}, err
	}
	return a.install(tr), nil
}

// Refresh rotates the refresh token. Concurrent calls share one exchange.
// When the server rejects the token the agent logs out and calls OnLogout.
func (a *Agent) Refresh(ctx context.Context) (Session, error) {
	ch := a.flight.DoChan("refresh", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.RefreshTimeout)
		defer cancel()
		return a.refresh(fctx)
	})
	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (a *Agent) refresh(ctx context.Context) (Session, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Session{}, ErrClosed
	}
	if a.sess == nil {
		a.mu.Unlock()
		return Session{}, ErrNotLoggedIn
	}
	token, gen := a.sess.RefreshToken, a.gen
	a.mu.Unlock()

	tr, err := a.exchange(ctx, "/auth/refresh", map[string]string{"refreshToken": token})
	if err != nil {
		if rejected(err) {
			a.forceLogout(gen, err)
		}
		return Session{}, err
	}

	a.mu.Lock()
	stale := a.gen != gen || a.closed
	a.mu.Unlock()
	if stale {
		// Logged out while the exchange was in flight. Drop the new session.
		a.revoke(tr.RefreshToken)
		return Session{}, ErrNotLoggedIn
	}
	return a.install(tr), nil
}

// Logout ends the session on the server and locally. Local state is cleared
// even when the server cannot be reached.
func (a *Agent) Logout(ctx context.Context) error {
	token := a.clear()
	if token == "" {
		return nil
	}
	return a.postLogout(ctx, token)
}

// LogoutAll ends every session of the signed-in user, this one included.
func (a *Agent) LogoutAll(ctx context.Context) error {
	req, err := a.newRequest(ctx, http.MethodPost, "/auth/logout-all", nil)
	if err != nil {
		return err
	}
	resp, err := a.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	a.clear()
	return nil
}

// Sessions lists the user's active sessions. The current one is flagged.
func (a *Agent) Sessions(ctx context.Context) ([]SessionInfo, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/auth/sessions", nil)
	if err != nil {
		return nil, err
	}
	if s, ok := a.Current(); ok {
		req.Header.Set(headerRefreshToken, s.RefreshToken)
	}
	resp, err := a.Do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("authclient: decode sessions: %w", err)
	}
	return out.Sessions, nil
}

// RevokeSession ends one of the user's other sessions.
func (a *Agent) RevokeSession(ctx context.Context, id uuid.UUID) error {
	req, err := a.newRequest(ctx, http.MethodDelete, "/auth/sessions/"+id.String(), nil)
	if err != nil {
		return err
	}
	resp, err := a.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// Do sends req with the current access token. A 401 triggers at most one
// refresh and one retry. A 403 is returned as an error matching ErrForbidden
// and leaves the session alone. Other responses are returned to the caller,
// who must close the body.
//
// The refresh behind a 401 ends the session only when the server rejects
// the refresh token (a 4xx other than 429). A transport error or a 5xx
// during that refresh is returned and the session is kept, so an outage of
// the auth service does not sign the user out; the next call or the
// proactive timer tries again.
func (a *Agent) Do(req *http.Request) (*http.Response, error) {
	s, ok := a.Current()
	if !ok {
		if a.isClosed() {
			return nil, ErrClosed
		}
		return nil, ErrNotLoggedIn
	}
	if err := replayable(req); err != nil {
		return nil, err
	}

	resp, err := a.send(req, s)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		return nil, decodeError(resp)
	case http.StatusUnauthorized:
		drain(resp)
	default:
		return resp, nil
	}

	next, ok := a.Current()
	if !ok || next.AccessToken == s.AccessToken {
		// Nobody refreshed since this request left; do it now.
		if next, err = a.Refresh(req.Context()); err != nil {
			return nil, err
		}
	}
	resp, err = a.send(req, next)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		return nil, decodeError(resp)
	}
	return resp, nil
}

// Close stops the refresh timer without contacting the server. The agent
// cannot be used afterwards.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.gen++
	a.sess = nil
	a.stopTimerLocked()
	return nil
}

func (a *Agent) send(req *http.Request, s Session) (*http.Response, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("authclient: replay body: %w", err)
		}
		out.Body = body
	}
	out.Header.Set("Authorization", "Bearer "+s.AccessToken)
	if out.Header.Get(headerRefreshToken) != "" {
		out.Header.Set(headerRefreshToken, s.RefreshToken)
	}
	return a.hc.Do(out)
}

// replayable makes sure the body can be sent twice.
func replayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("authclient: buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
	req.Body, _ = req.GetBody()
	req.ContentLength = int64(len(buf))
	return nil
}

func (a *Agent) exchange(ctx context.Context, path string, body interface{}) (*tokenResponse, error) {
	req, err := a.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerRefreshDelivery, "body")
	if a.cfg.Device != "" {
		req.Header.Set(headerDeviceName, a.cfg.Device)
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authclient: %s: %w", path, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("authclient: decode %s: %w", path, err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, fmt.Errorf("authclient: %s: incomplete token response", path)
	}
	return &tr, nil
}

func (a *Agent) postLogout(ctx context.Context, refreshToken string) error {
	req, err := a.newRequest(ctx, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return err
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return fmt.Errorf("authclient: logout: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// revoke ends a session nobody holds anymore.
func (a *Agent) revoke(refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RefreshTimeout)
	defer cancel()
	if err := a.postLogout(ctx, refreshToken); err != nil {
		a.logger.Warn().Err(err).Msg("revoke orphaned session")
	}
}

func (a *Agent) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (a *Agent) install(tr *tokenResponse) Session {
	now := a.clock.Now()
	s := Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		UserID:       tr.User.ID,
		Role:         tr.User.Role,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = &s
	a.gen++
	a.stopTimerLocked()
	gen := a.gen
	a.timer = a.clock.AfterFunc(a.refreshEvery(tr.ExpiresIn), func() { a.onTimer(gen) })
	return s
}

func (a *Agent) refreshEvery(expiresIn int64) time.Duration {
	if a.cfg.RefreshEvery > 0 {
		return a.cfg.RefreshEvery
	}
	d := time.Duration(expiresIn)*time.Second - refreshLead
	if d < minRefreshEvery {
		d = minRefreshEvery
	}
	return d
}

func (a *Agent) onTimer(gen uint64) {
	a.mu.Lock()
	live := !a.closed && a.sess != nil && a.gen == gen
	a.mu.Unlock()
	if !live {
		return
	}
	if _, err := a.Refresh(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("proactive refresh failed")
	}
}

// forceLogout ends the session identified by gen after the server refused
// its refresh token.
func (a *Agent) forceLogout(gen uint64, reason error) {
	a.mu.Lock()
	if a.gen != gen || a.sess == nil {
		a.mu.Unlock()
		return
	}
	a.sess = nil
	a.gen++
	a.stopTimerLocked()
	a.mu.Unlock()

	a.logger.Info().Err(reason).Msg("session ended by server")
	if a.cfg.OnLogout != nil {
		a.cfg.OnLogout(reason)
	}
}

// clear drops the local session and returns its refresh token.
func (a *Agent) clear() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return ""
	}
	token := a.sess.RefreshToken
	a.sess = nil
	a.gen++
	a.stopTimerLocked()
	return token
}

func (a *Agent) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func decodeError(resp *http.Response) error {
	defer drain(resp)
	apiErr := &APIError{Status: resp.StatusCode}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(apiErr)
	return apiErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
