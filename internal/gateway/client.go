package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/version"
)

// User is the account returned by login.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the body of POST /auth/login.
type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

type activitiesResponse struct {
	Activities []activity.Record `json:"activities"`
}

// Client is the typed Resource API surface used by the session.
type Client struct {
	gw *Gateway
}

// NewClient creates a Client on top of gw.
func NewClient(gw *Gateway) *Client {
	return &Client{gw: gw}
}

// Gateway returns the underlying gateway.
func (c *Client) Gateway() *Gateway { return c.gw }

// Login exchanges username and password for an access credential, installs it in the store and
// leaves the renewal cookie in the shared jar.
func (c *Client) Login(ctx context.Context, username, password string) (User, auth.Credential, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return User{}, auth.Credential{}, fmt.Errorf("username and password are required")
	}
	var resp LoginResponse
	err := c.gw.DoAnonymous(ctx, Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   loginRequest{Username: username, Password: password},
	}, &resp)
	if err != nil {
		return User{}, auth.Credential{}, fmt.Errorf("login: %w", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return User{}, auth.Credential{}, fmt.Errorf("login succeeded but token missing")
	}
	cred, err := c.gw.Store().SetToken(resp.AccessToken)
	if err != nil {
		return User{}, auth.Credential{}, fmt.Errorf("login: %w", err)
	}
	return resp.User, cred, nil
}

// Logout revokes the renewal cookie server side.
func (c *Client) Logout(ctx context.Context) error {
	err := c.gw.DoAnonymous(ctx, Request{Method: http.MethodPost, Path: "/auth/logout"}, nil)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ListActivities fetches one page of an organization's activity feed.
func (c *Client) ListActivities(ctx context.Context, q activity.Query) ([]activity.Record, error) {
	org := strings.TrimSpace(q.OrganizationID)
	if org == "" {
		return nil, fmt.Errorf("organization id is required")
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Kind != "" {
		params.Set("kind", string(q.Kind))
	}
	if q.RoomKey != "" {
		params.Set("roomKey", q.RoomKey)
	}
	var resp activitiesResponse
	err := c.gw.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   "/organizations/" + url.PathEscape(org) + "/activities",
		Query:  params,
		Header: http.Header{"X-Organization-ID": []string{org}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Activities, nil
}

// Refresher performs the renewal exchange. It bypasses the Gateway so a renewal can never recurse
// into another renewal; the renewal cookie rides along through the client's jar.
type Refresher struct {
	HTTP    *http.Client
	BaseURL string
}

// NewRefresher creates a Refresher posting to baseURL + /auth/refresh.
func NewRefresher(client *http.Client, baseURL string) *Refresher {
	return &Refresher{HTTP: client, BaseURL: NormalizeBaseURL(baseURL)}
}

// RefreshURL is the endpoint the renewal cookie must be scoped to.
func (r *Refresher) RefreshURL() string {
	return r.BaseURL + "/auth/refresh"
}

// Exchange implements auth.Exchanger.
func (r *Refresher) Exchange(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.RefreshURL(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	var body refreshResponse
	if err := finish(resp, &body); err != nil {
		return "", err
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return "", fmt.Errorf("refresh succeeded but token missing")
	}
	return body.AccessToken, nil
}
