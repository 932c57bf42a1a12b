// Package rtdb is a remote.Store backed by the Firebase Realtime Database
// REST API, authenticated with an email/password account.
package rtdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/flightdesk/flightsync/pkg/remote"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	DefaultSignInURL  = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithPassword"
	DefaultRefreshURL = "https://securetoken.googleapis.com/v1/token"

	// A token this close to expiry is treated as already expired.
	expirySlack = 60 * time.Second
)

var (
	ErrNoCredentials = errors.New("rtdb: api key, email and password are required")
	ErrAuthFailed    = errors.New("rtdb: authentication failed")
)

type Config struct {
	APIKey      string
	DatabaseURL string
	Email       string
	Password    string

	// Endpoint overrides; empty means the Google defaults.
	SignInURL  string
	RefreshURL string

	Proxy       string
	AuthTimeout time.Duration
	AuthRetries int
}

type Client struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	transport    *http.Transport
	auth         *retryablehttp.Client
	data         *http.Client
	idToken      string
	refreshToken string
	expiresAt    time.Time
}

// New validates cfg and builds an unauthenticated client. Call Connect
// before the first write.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.Email == "" || cfg.Password == "" {
		return nil, ErrNoCredentials
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("rtdb: database url is required")
	}
	if cfg.SignInURL == "" {
		cfg.SignInURL = DefaultSignInURL
	}
	if cfg.RefreshURL == "" {
		cfg.RefreshURL = DefaultRefreshURL
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.AuthRetries <= 0 {
		cfg.AuthRetries = 3
	}
	cfg.DatabaseURL = strings.TrimRight(cfg.DatabaseURL, "/")

	c := &Client{cfg: cfg, now: time.Now}
	if err := c.rebuildClients(); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuildClients replaces the transport and both HTTP clients. Callers hold
// c.mu or own c exclusively.
func (c *Client) rebuildClients() error {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if c.cfg.Proxy != "" {
		proxyURL, err := url.Parse(c.cfg.Proxy)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %v", err)
		}
		tr.Proxy = http.ProxyURL(proxyURL)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = log.New(io.Discard, "", 0)
	retryClient.RetryMax = c.cfg.AuthRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient = &http.Client{Transport: tr, Timeout: c.cfg.AuthTimeout}

	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.transport = tr
	c.auth = retryClient
	// Writes are bounded by the caller's context, not by a client timeout.
	c.data = &http.Client{Transport: tr}
	return nil
}

// Ready reports whether a usable ID token is held.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Client) readyLocked() bool {
	return c.idToken != "" && c.now().Add(expirySlack).Before(c.expiresAt)
}

// Connect refreshes the ID token when a refresh token is held and falls back
// to a fresh sign-in otherwise. The lock is not held while the auth
// endpoints are called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.readyLocked() {
		c.mu.Unlock()
		return nil
	}
	auth, refreshToken := c.auth, c.refreshToken
	c.mu.Unlock()

	if refreshToken != "" {
		if err := c.refresh(ctx, auth, refreshToken); err == nil {
			return nil
		}
	}
	return c.signIn(ctx, auth)
}

// Reset drops connections and credentials and signs in from scratch.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.idToken, c.refreshToken, c.expiresAt = "", "", time.Time{}
	err := c.rebuildClients()
	auth := c.auth
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.signIn(ctx, auth)
}

func (c *Client) signIn(ctx context.Context, auth *retryablehttp.Client) error {
	body, _ := sjson.Set("", "email", c.cfg.Email)
	body, _ = sjson.Set(body, "password", c.cfg.Password)
	body, _ = sjson.Set(body, "returnSecureToken", true)

	res, err := postAuth(ctx, auth, c.cfg.SignInURL, c.cfg.APIKey, "application/json", body)
	if err != nil {
		return err
	}

	if !c.storeTokens(
		gjson.GetBytes(res, "idToken").String(),
		gjson.GetBytes(res, "refreshToken").String(),
		gjson.GetBytes(res, "expiresIn").Int(),
	) {
		return fmt.Errorf("%w: sign-in response carried no idToken", ErrAuthFailed)
	}
	return nil
}

func (c *Client) refresh(ctx context.Context, auth *retryablehttp.Client, refreshToken string) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	res, err := postAuth(ctx, auth, c.cfg.RefreshURL, c.cfg.APIKey, "application/x-www-form-urlencoded", form.Encode())
	if err != nil {
		return err
	}

	if !c.storeTokens(
		gjson.GetBytes(res, "id_token").String(),
		gjson.GetBytes(res, "refresh_token").String(),
		gjson.GetBytes(res, "expires_in").Int(),
	) {
		return fmt.Errorf("%w: refresh response carried no id_token", ErrAuthFailed)
	}
	return nil
}

// storeTokens saves a fresh token set and reports whether it holds an ID
// token.
func (c *Client) storeTokens(id, refresh string, expiresIn int64) bool {
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idToken = id
	if refresh != "" {
		c.refreshToken = refresh
	}
	c.expiresAt = c.now().Add(time.Duration(expiresIn) * time.Second)
	return id != ""
}

func postAuth(ctx context.Context, auth *retryablehttp.Client, endpoint, apiKey, contentType, body string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?key="+url.QueryEscape(apiKey), []byte(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := auth.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrAuthFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(b, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, &remote.Error{Code: resp.StatusCode, Message: msg})
	}
	return b, nil
}

// Update PATCHes body into path. path is rooted at the database, e.g.
// "/flights/Islamabad/Departure".
func (c *Client) Update(ctx context.Context, path string, body []byte) *remote.Future {
	c.mu.Lock()
	token := c.idToken
	client := c.data
	c.mu.Unlock()

	f := remote.NewFuture()
	if token == "" {
		f.Complete(remote.Result{Err: &remote.Error{Code: http.StatusUnauthorized, Message: "not authenticated"}})
		return f
	}

	endpoint := c.cfg.DatabaseURL + "/" + strings.TrimLeft(path, "/") + ".json?auth=" + url.QueryEscape(token)
	go func() {
		f.Complete(patch(ctx, client, endpoint, body))
	}()
	return f
}

func patch(ctx context.Context, client *http.Client, endpoint string, body []byte) remote.Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return remote.Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return remote.Result{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return remote.Result{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(payload, "error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return remote.Result{Err: &remote.Error{Code: resp.StatusCode, Message: msg}, Payload: payload}
	}
	return remote.Result{Payload: payload}
}
