// Package gateway sends Resource API calls with the session credential attached, renewing it at
// most once per call and ending the session when authentication cannot be recovered.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/version"
)

// Request describes one Resource API call. Path is relative to the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

// Gateway wraps every outbound Resource API call.
type Gateway struct {
	http    *http.Client
	baseURL string
	store   *auth.Store
	limiter *rate.Limiter
	logger  *slog.Logger

	ended       atomic.Bool
	mu          sync.Mutex
	endHandlers []endHandler
	nextID      uint64
	unsubscribe func()
}

type endHandler struct {
	id uint64
	fn func(error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRateLimit throttles outbound calls to rps with the given burst. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a Gateway bound to store. The session-ended latch re-arms whenever store receives
// a fresh credential.
func New(log *slog.Logger, client *http.Client, baseURL string, store *auth.Store, opts ...Option) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	g := &Gateway{
		http:    client,
		baseURL: NormalizeBaseURL(baseURL),
		store:   store,
		logger:  log.With(slog.String("component", "gateway")),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.unsubscribe = store.Subscribe(func(_ auth.Credential, ok bool) {
		if ok {
			g.ended.Store(false)
		}
	})
	return g
}

// Close detaches the gateway from its store.
func (g *Gateway) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
}

// Store returns the credential store the gateway reads from.
func (g *Gateway) Store() *auth.Store { return g.store }

// BaseURL returns the normalized Resource API base URL.
func (g *Gateway) BaseURL() string { return g.baseURL }

// HTTPClient returns the underlying client, which shares the renewal cookie jar.
func (g *Gateway) HTTPClient() *http.Client { return g.http }

// OnSessionEnded registers fn to run once per distinct authentication failure.
func (g *Gateway) OnSessionEnded(fn func(error)) func() {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.endHandlers = append(g.endHandlers, endHandler{id: id, fn: fn})
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, h := range g.endHandlers {
			if h.id == id {
				g.endHandlers = append(g.endHandlers[:i:i], g.endHandlers[i+1:]...)
				return
			}
		}
	}
}

// Do sends req with the current credential and decodes a 2xx JSON body into out (when non-nil).
// A token_expired response triggers one renewal and one replay; any other 401, or a failed
// renewal, returns ErrUnauthenticated and ends the session. Other errors are returned as is.
func (g *Gateway) Do(ctx context.Context, req Request, out any) error {
	body, err := encodeBody(req.Body)
	if err != nil {
		return err
	}

	renewed := false
	cred, ok := g.store.Get()
	if ok && !g.store.Valid(cred) {
		renewed = true
		g.logger.Debug("credential expired locally, renewing before send", slog.String("path", req.Path))
		if cred, err = g.renew(ctx); err != nil {
			return err
		}
		ok = true
	}

	for {
		token := ""
		if ok {
			token = cred.Token
		}
		resp, err := g.send(ctx, req, body, token)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return finish(resp, out)
		}

		apiErr := decodeAPIError(resp)
		resp.Body.Close()
		if apiErr.Expired() && !renewed {
			renewed = true
			if current, ok := g.store.Get(); ok && current.Token != token && g.store.Valid(current) {
				g.logger.Debug("credential replaced while in flight, replaying", slog.String("path", req.Path))
				cred = current
				continue
			}
			g.logger.Debug("credential rejected as expired, renewing", slog.String("path", req.Path))
			if cred, err = g.renew(ctx); err != nil {
				return err
			}
			ok = true
			continue
		}
		return g.endSession(fmt.Errorf("%w: %s %s: %w", ErrUnauthenticated, req.Method, req.Path, apiErr))
	}
}

// DoAnonymous sends req without a credential and without renewal or session handling. Used for
// the login and logout exchanges.
func (g *Gateway) DoAnonymous(ctx context.Context, req Request, out any) error {
	body, err := encodeBody(req.Body)
	if err != nil {
		return err
	}
	resp, err := g.send(ctx, req, body, "")
	if err != nil {
		return err
	}
	return finish(resp, out)
}

// Credential returns the current credential, renewing it first when it has expired locally. A
// failed renewal ends the session exactly as a rejected call does. Without any credential it
// returns ErrUnauthenticated and leaves the session state alone.
func (g *Gateway) Credential(ctx context.Context) (auth.Credential, error) {
	cred, ok := g.store.Get()
	if !ok {
		return auth.Credential{}, ErrUnauthenticated
	}
	if g.store.Valid(cred) {
		return cred, nil
	}
	return g.renew(ctx)
}

func (g *Gateway) renew(ctx context.Context) (auth.Credential, error) {
	cred, err := g.store.RenewErr(ctx)
	if err == nil {
		return cred, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return auth.Credential{}, err
	}
	return auth.Credential{}, g.endSession(fmt.Errorf("%w: %w", ErrUnauthenticated, err))
}

// endSession clears the credential and fires the session-ended handlers unless a previous failure
// already did and no credential has been installed since.
func (g *Gateway) endSession(err error) error {
	if !g.ended.CompareAndSwap(false, true) {
		return err
	}
	g.logger.Warn("session ended", slog.Any("error", err))
	if _, ok := g.store.Get(); ok {
		g.store.Clear()
	}
	g.mu.Lock()
	handlers := make([]endHandler, len(g.endHandlers))
	copy(handlers, g.endHandlers)
	g.mu.Unlock()
	for _, h := range handlers {
		h.fn(err)
	}
	return err
}

func (g *Gateway) send(ctx context.Context, req Request, body []byte, token string) (*http.Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	target := g.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	return resp, nil
}

func finish(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// NormalizeBaseURL trims whitespace and trailing slashes.
func NormalizeBaseURL(value string) string {
	return strings.TrimRight(strings.TrimSpace(value), "/")
}
