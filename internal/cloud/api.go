package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// Delay before a deferred token refresh after the API rejects a call.
	// Device polls use the longer delay so a burst of per-device polls does
	// not hammer the token endpoint.
	genericRefreshDelay = 30 * time.Second
	pollRefreshDelay    = 60 * time.Second
)

// ProductItem is one registered mower as the fleet API reports it.
type ProductItem struct {
	ID           int         `json:"id"`
	UUID         string      `json:"uuid"`
	ProductID    int         `json:"product_id"`
	Name         string      `json:"name"`
	SerialNumber string      `json:"serial_number"`
	MACAddress   string      `json:"mac_address"`
	Online       bool        `json:"online"`
	MQTTEndpoint string      `json:"mqtt_endpoint"`
	MQTTTopics   *MQTTTopics `json:"mqtt_topics"`
	Capabilities []string    `json:"capabilities"`
	Firmware     string      `json:"firmware_version"`
	LawnSize     float64     `json:"lawn_size"`
	Locked       bool        `json:"locked"`
	LastStatus   *LastStatus `json:"last_status"`
}

// HasCapability reports whether the backend lists the named capability for
// this mower.
func (p *ProductItem) HasCapability(name string) bool {
	for _, c := range p.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// MQTTTopics carries the per-device broker topics.
type MQTTTopics struct {
	CommandIn  string `json:"command_in"`
	CommandOut string `json:"command_out"`
}

// LastStatus is the last state report the backend cached for a mower.
type LastStatus struct {
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Product is a catalog entry describing a mower model.
type Product struct {
	ID      int    `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// User is the account profile behind the session.
type User struct {
	ID        int    `json:"id"`
	Email     string `json:"email"`
	MQTTQueue string `json:"mqtt_endpoint"`
}

// API is the REST client for the fleet backend. All calls carry the bearer
// token from the session manager; authorization failures schedule a
// deferred token refresh instead of retrying inline.
type API struct {
	sessions *SessionManager
	baseURL  string
	logger   *slog.Logger
}

// NewAPI wraps a session manager into a fleet API client.
func NewAPI(sessions *SessionManager, logger *slog.Logger) *API {
	return &API{
		sessions: sessions,
		baseURL:  "https://" + sessions.Identity().APIHost + "/api/v2/",
		logger:   logger.With("component", "api", "backend", sessions.Identity().Name),
	}
}

// ProductItems lists the account's mowers with status and GPS details.
func (a *API) ProductItems(ctx context.Context) ([]ProductItem, error) {
	var items []ProductItem
	err := a.get(ctx, "product-items?status=1&gps_status=1", &items, genericRefreshDelay)
	return items, err
}

// ProductItem fetches a single mower's full record by serial. Used by the
// periodic poll, so rejections back off longer before refreshing.
func (a *API) ProductItem(ctx context.Context, serial string) (*ProductItem, error) {
	var item ProductItem
	if err := a.get(ctx, "product-items/"+serial, &item, pollRefreshDelay); err != nil {
		return nil, err
	}
	return &item, nil
}

// Products lists the model catalog.
func (a *API) Products(ctx context.Context) ([]Product, error) {
	var products []Product
	err := a.get(ctx, "products", &products, genericRefreshDelay)
	return products, err
}

// Me fetches the account profile for the session.
func (a *API) Me(ctx context.Context) (*User, error) {
	var user User
	if err := a.get(ctx, "users/me", &user, genericRefreshDelay); err != nil {
		return nil, err
	}
	return &user, nil
}

// Get performs an authenticated GET on an arbitrary API path.
func (a *API) Get(ctx context.Context, path string, out any) error {
	return a.get(ctx, path, out, genericRefreshDelay)
}

// Post performs an authenticated POST with a JSON body.
func (a *API) Post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	return a.do(ctx, http.MethodPost, path, bytes.NewReader(payload), out, genericRefreshDelay)
}

func (a *API) get(ctx context.Context, path string, out any, refreshDelay time.Duration) error {
	return a.do(ctx, http.MethodGet, path, nil, out, refreshDelay)
}

func (a *API) do(ctx context.Context, method, path string, body io.Reader, out any, refreshDelay time.Duration) error {
	session := a.sessions.Session()
	if !session.Valid() {
		return fmt.Errorf("%w: no session", ErrAuth)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.sessions.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		a.logger.Warn("api rejected credentials", "path", path, "status", resp.StatusCode)
		a.sessions.ScheduleDeferredRefresh(refreshDelay)
		return fmt.Errorf("%w: %s returned %d", ErrAuth, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
