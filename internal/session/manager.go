// Package session ties one login to its credential store, Resource API gateway, realtime channel
// and the activity feed currently on screen.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/gateway"
	"github.com/memohai/tenantdesk/internal/realtime"
)

// ErrNoSession is returned when no credential is available and none could be restored.
var ErrNoSession = errors.New("no active session")

// Options configures a Manager.
type Options struct {
	PageSize int
	Realtime realtime.Options
}

// Feed is one organization's activity stream bound to the session's realtime channel.
type Feed struct {
	Organization string
	Room         string
	Stream       *activity.Stream

	channel *realtime.Channel
	mu      sync.Mutex
	closed  bool
	subs    []*realtime.Subscription
}

// Channel returns the realtime channel feeding the stream.
func (f *Feed) Channel() *realtime.Channel { return f.channel }

// OnSystemMessage subscribes fn to advisory broadcasts for as long as the feed is open.
func (f *Feed) OnSystemMessage(fn func(realtime.SystemMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.subs = append(f.subs, realtime.OnSystemMessage(f.channel, fn))
}

func (f *Feed) close() {
	f.Stream.Close()
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.closed = true
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Dispose()
	}
}

// Manager owns the lifetime of a session. It is safe for concurrent use.
type Manager struct {
	client *gateway.Client
	store  *auth.Store
	dialer realtime.Dialer
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	user       gateway.User
	channel    *realtime.Channel
	feed       *Feed
	onEnded    []func(error)
	unsubEnded func()
}

// NewManager creates a Manager. The feed is closed whenever the gateway reports the session ended.
func NewManager(log *slog.Logger, client *gateway.Client, dialer realtime.Dialer, opts Options) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = activity.DefaultPageSize
	}
	m := &Manager{
		client: client,
		store:  client.Gateway().Store(),
		dialer: dialer,
		opts:   opts,
		logger: log.With(slog.String("component", "session")),
	}
	m.unsubEnded = client.Gateway().OnSessionEnded(m.sessionEnded)
	return m
}

// Store returns the session's credential store.
func (m *Manager) Store() *auth.Store { return m.store }

// User returns the account from the last successful Login.
func (m *Manager) User() gateway.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// Authenticated reports whether a credential is currently held.
func (m *Manager) Authenticated() bool {
	_, ok := m.store.Get()
	return ok
}

// OnEnded registers fn to run after the feed has been torn down for an ended session.
func (m *Manager) OnEnded(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = append(m.onEnded, fn)
}

// Login authenticates and installs the credential.
func (m *Manager) Login(ctx context.Context, username, password string) (gateway.User, error) {
	user, _, err := m.client.Login(ctx, username, password)
	if err != nil {
		return gateway.User{}, err
	}
	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
	m.logger.Info("logged in", slog.String("user", user.Username))
	return user, nil
}

// Restore obtains a credential from a surviving renewal token, as on application start.
func (m *Manager) Restore(ctx context.Context) (auth.Credential, error) {
	if cred, ok := m.store.Get(); ok && m.store.Valid(cred) {
		return cred, nil
	}
	cred, err := m.store.RenewErr(ctx)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	m.logger.Info("session restored", slog.String("subject", cred.Subject))
	return cred, nil
}

// Logout revokes the renewal token, drops the credential and closes the feed. The local state is
// cleared even when the server call fails.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.client.Logout(ctx)
	if err != nil {
		m.logger.Warn("server logout failed", slog.Any("error", err))
	}
	m.store.Clear()
	m.closeFeed(true)
	m.mu.Lock()
	m.user = gateway.User{}
	m.mu.Unlock()
	return err
}

// OpenFeed closes the current feed, switches the realtime channel to room and loads the first
// page of organization's history filtered by kind. An empty room defaults to the organization.
//
// When only the first page fails to load, the feed stays open with the error in its snapshot and
// is returned together with an error wrapping activity.ErrFetchFailed, so the caller can Refresh.
func (m *Manager) OpenFeed(ctx context.Context, organization, room string, kind activity.Kind) (*Feed, error) {
	organization = strings.TrimSpace(organization)
	if organization == "" {
		return nil, errors.New("organization is required")
	}
	room = strings.TrimSpace(room)
	if room == "" {
		room = organization
	}
	if _, ok := m.store.Get(); !ok {
		return nil, ErrNoSession
	}

	m.closeFeed(false)

	m.mu.Lock()
	if m.channel == nil {
		m.channel = realtime.NewChannel(m.logger, m.dialer, m.opts.Realtime)
	}
	ch := m.channel
	stream := activity.NewStream(m.logger, m.client, activity.Config{
		OrganizationID: organization,
		RoomKey:        room,
		PageSize:       m.opts.PageSize,
	})
	feed := &Feed{Organization: organization, Room: room, Stream: stream, channel: ch}
	m.feed = feed
	m.mu.Unlock()

	if err := stream.Attach(ch); err != nil {
		return nil, err
	}
	if err := ch.Open(context.WithoutCancel(ctx), room); err != nil {
		m.closeFeed(true)
		return nil, err
	}
	if err := stream.Load(ctx, 1, kind, activity.Replace); err != nil {
		if errors.Is(err, gateway.ErrUnauthenticated) {
			m.closeFeed(true)
			return nil, err
		}
		m.logger.Warn("feed opened without history", slog.String("org", organization), slog.Any("error", err))
		return feed, err
	}
	m.logger.Info("feed opened", slog.String("org", organization), slog.String("room", room), slog.String("kind", string(kind)))
	return feed, nil
}

// Feed returns the open feed, or nil.
func (m *Manager) Feed() *Feed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feed
}

// Close tears down the feed and the realtime channel and detaches from the gateway.
func (m *Manager) Close() {
	m.closeFeed(true)
	if m.unsubEnded != nil {
		m.unsubEnded()
	}
}

// closeFeed detaches the current feed. With channel set the realtime connection is closed too;
// otherwise it stays up for the next OpenFeed to switch rooms on.
func (m *Manager) closeFeed(channel bool) {
	m.teardown(m.detach(channel))
}

func (m *Manager) detach(channel bool) (*Feed, *realtime.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	feed := m.feed
	m.feed = nil
	var ch *realtime.Channel
	if channel {
		ch = m.channel
		m.channel = nil
	}
	return feed, ch
}

func (m *Manager) teardown(feed *Feed, ch *realtime.Channel) {
	if feed != nil {
		feed.close()
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Warn("realtime close failed", slog.Any("error", err))
		}
	}
}

// sessionEnded may run on the channel's own dial goroutine (see BearerHeader), where closing the
// channel synchronously would wait on itself. The feed is detached at once and torn down
// asynchronously; OnEnded handlers run after the teardown.
func (m *Manager) sessionEnded(err error) {
	m.logger.Warn("session ended, closing feed", slog.Any("error", err))
	feed, ch := m.detach(true)
	m.mu.Lock()
	handlers := append([]func(error){}, m.onEnded...)
	m.mu.Unlock()
	go func() {
		m.teardown(feed, ch)
		for _, fn := range handlers {
			fn(err)
		}
	}()
}

// BearerHeader supplies the realtime handshake with the gateway's credential. A locally expired
// credential is renewed first; when that renewal fails the gateway ends the session.
func BearerHeader(gw *gateway.Gateway) realtime.HeaderFunc {
	return func(ctx context.Context) (http.Header, error) {
		cred, err := gw.Credential(ctx)
		if err != nil {
			if errors.Is(err, gateway.ErrUnauthenticated) {
				return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
			}
			return nil, err
		}
		return http.Header{"Authorization": []string{"Bearer " + cred.Token}}, nil
	}
}
