package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"
)

// ErrAuth marks authentication failures: bad credentials or an expired or
// invalid token.
var ErrAuth = errors.New("authentication failed")

// refreshScope is the scope string the backend expects on refresh-token
// grants.
const refreshScope = "user:profile mower:firmware mower:view mower:pair user:manage mower:update mower:activity_log user:certificate data:products mower:unpair mower:warranty mobile:notifications mower:lawn"

// refreshLead is how long before expiry the proactive refresh fires.
const refreshLead = 200 * time.Second

// Session is the bearer-token credential bundle for one backend login.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether the session carries a usable access token.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != ""
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// SessionManager owns the credentials and tokens for one backend account.
// It issues a proactive refresh shortly before expiry and coalesces
// 401-triggered deferred refreshes into a single pending timer.
type SessionManager struct {
	identity  Identity
	username  string
	password  string
	userAgent string
	client    *http.Client
	logger    *slog.Logger

	mu            sync.Mutex
	session       *Session
	refreshTimer  *time.Timer
	deferredTimer *time.Timer
	closed        bool

	// OnRefresh is called with the new session after every successful
	// refresh, so transports can rotate credentials.
	OnRefresh func(*Session)
	// OnRefreshError is called when a refresh attempt fails.
	OnRefreshError func(error)
}

// NewSessionManager creates a manager with its own HTTP client and cookie
// jar. Nothing here is process-global; each account owns its client.
func NewSessionManager(identity Identity, username, password string, logger *slog.Logger) *SessionManager {
	jar, _ := cookiejar.New(nil)
	return &SessionManager{
		identity:  identity,
		username:  username,
		password:  password,
		userAgent: "mower-go-home",
		client: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "session", "backend", identity.Name),
	}
}

// HTTPClient returns the client owned by this session, for the API layer.
func (m *SessionManager) HTTPClient() *http.Client { return m.client }

// Identity returns the backend identity this manager authenticates against.
func (m *SessionManager) Identity() Identity { return m.identity }

// Session returns a copy of the current session, or nil before login.
func (m *SessionManager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Login performs the password grant against the backend token endpoint and
// schedules the proactive refresh.
func (m *SessionManager) Login(ctx context.Context) (*Session, error) {
	if m.username == "" || m.password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrAuth)
	}
	m.logger.Info("logging in", "url", m.identity.LoginURL)

	body := map[string]string{
		"client_id":  m.identity.ClientID,
		"username":   m.username,
		"password":   m.password,
		"scope":      "*",
		"grant_type": "password",
	}
	session, err := m.tokenRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.session = session
	m.armRefreshLocked(session.ExpiresAt)
	m.mu.Unlock()

	m.logger.Info("logged in", "expires_at", session.ExpiresAt)
	return session, nil
}

// Refresh performs the refresh-token grant. Failures are logged and
// surfaced through OnRefreshError; the stale session stays in place so
// downstream calls keep using it until the transport rejects them.
func (m *SessionManager) Refresh(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	refreshToken := ""
	if m.session != nil {
		refreshToken = m.session.RefreshToken
	}
	m.mu.Unlock()
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrAuth)
	}

	m.logger.Info("refreshing token")
	body := map[string]string{
		"client_id":     m.identity.ClientID,
		"scope":         refreshScope,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	}
	session, err := m.tokenRequest(ctx, body)
	if err != nil {
		m.logger.Error("token refresh failed", "err", err)
		if m.OnRefreshError != nil {
			m.OnRefreshError(err)
		}
		return nil, err
	}

	m.mu.Lock()
	m.session = session
	m.armRefreshLocked(session.ExpiresAt)
	m.mu.Unlock()

	m.logger.Info("token refreshed", "expires_at", session.ExpiresAt)
	if m.OnRefresh != nil {
		m.OnRefresh(session)
	}
	return session, nil
}

// IsExpiringSoon reports whether the session expires within the proactive
// refresh lead time.
func (m *SessionManager) IsExpiringSoon() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return true
	}
	return time.Until(m.session.ExpiresAt) < refreshLead
}

// ScheduleDeferredRefresh arms a one-shot refresh after delay. Concurrent
// authorization failures coalesce: a pending timer is never re-armed.
func (m *SessionManager) ScheduleDeferredRefresh(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.deferredTimer != nil {
		return
	}
	m.logger.Info("scheduling deferred token refresh", "delay", delay)
	m.deferredTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.deferredTimer = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = m.Refresh(ctx)
	})
}

// Close cancels all timers. In-flight HTTP calls are not cancelled; their
// completions become no-ops.
func (m *SessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.deferredTimer != nil {
		m.deferredTimer.Stop()
		m.deferredTimer = nil
	}
}

// armRefreshLocked (re)arms the proactive refresh timer at expiry minus the
// lead time. The previous timer is always cancelled first.
func (m *SessionManager) armRefreshLocked(expiresAt time.Time) {
	if m.closed {
		return
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	delay := time.Until(expiresAt) - refreshLead
	if delay < time.Minute {
		delay = time.Minute
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = m.Refresh(ctx)
	})
}

func (m *SessionManager) tokenRequest(ctx context.Context, body map[string]string) (*Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.identity.LoginURL+"oauth/token", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuth, resp.StatusCode, data)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrAuth)
	}
	return &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}, nil
}

// BrokerHeaders derives the broker's custom-auth websocket headers from the
// access token: the JWT signature authenticates the connection, the first
// two token parts travel in the jwt header.
func (m *SessionManager) BrokerHeaders() http.Header {
	m.mu.Lock()
	token := ""
	if m.session != nil {
		token = m.session.AccessToken
	}
	m.mu.Unlock()

	normalized := strings.NewReplacer("_", "/", "-", "+").Replace(token)
	parts := strings.Split(normalized, ".")
	h := http.Header{}
	if len(parts) != 3 {
		return h
	}
	h.Set("x-amz-customauthorizer-name", "com-worxlandroid-customer")
	h.Set("x-amz-customauthorizer-signature", parts[2])
	h.Set("jwt", parts[0]+"."+parts[1])
	return h
}
