package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/config"
	"github.com/memohai/tenantdesk/internal/gateway"
	"github.com/memohai/tenantdesk/internal/logger"
	"github.com/memohai/tenantdesk/internal/realtime"
)

type fakeConn struct {
	mu     sync.Mutex
	writes []string
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) ReadFrame() (realtime.Frame, error) {
	<-c.closed
	return realtime.Frame{}, io.EOF
}

func (c *fakeConn) WriteFrame(_ context.Context, f realtime.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var room string
	_ = json.Unmarshal(f.Data, &room)
	c.writes = append(c.writes, f.Event+":"+room)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) controls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	header   realtime.HeaderFunc
	rejected atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (realtime.Conn, error) {
	if d.header != nil {
		if _, err := d.header(ctx); err != nil {
			d.rejected.Add(1)
			return nil, fmt.Errorf("%w: %w", realtime.ErrRejected, err)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeAPI struct {
	t            *testing.T
	rejectAll    atomic.Bool
	failHistory  atomic.Bool
	logouts      atomic.Int32
	activityHits atomic.Int32
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/auth/login":
		token, _, err := auth.GenerateToken("u-1", "session-secret", time.Hour)
		require.NoError(f.t, err)
		_ = json.NewEncoder(w).Encode(gateway.LoginResponse{AccessToken: token, User: gateway.User{ID: "u-1", Username: "ops"}})
	case r.URL.Path == "/auth/logout":
		f.logouts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/auth/refresh":
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(auth.ErrorBody{Code: auth.CodeUnauthorized})
	case strings.HasSuffix(r.URL.Path, "/activities"):
		f.activityHits.Add(1)
		if f.rejectAll.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(auth.ErrorBody{Code: auth.CodeUnauthorized, Message: "revoked"})
			return
		}
		if f.failHistory.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(auth.ErrorBody{Message: "database unavailable"})
			return
		}
		org := strings.Split(strings.Trim(r.URL.Path, "/"), "/")[1]
		_, _ = w.Write([]byte(`{"activities":[{"id":"` + org + `-1","kind":"NOTIFY","message":"hello","meta":{},"createdAt":"2026-03-01T10:00:00Z","actor":{"id":"u-1","username":"ops"}}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newManager(t *testing.T) (*Manager, *fakeAPI, *fakeDialer) {
	t.Helper()
	api := &fakeAPI{t: t}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	refresher := gateway.NewRefresher(srv.Client(), srv.URL)
	store := auth.NewStore(logger.Discard(), nil, refresher)
	gw := gateway.New(logger.Discard(), srv.Client(), srv.URL, store)
	dialer := &fakeDialer{}
	m := NewManager(logger.Discard(), gateway.NewClient(gw), dialer, Options{
		Realtime: realtime.Options{Enabled: true, Backoff: realtime.Backoff{Min: time.Millisecond, Max: time.Millisecond}},
	})
	t.Cleanup(m.Close)
	return m, api, dialer
}

func TestOpenFeedRequiresSession(t *testing.T) {
	m, _, dialer := newManager(t)
	_, err := m.OpenFeed(context.Background(), "org-1", "", "")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = m.OpenFeed(context.Background(), " ", "", "")
	assert.Error(t, err)
	assert.Zero(t, dialer.count())
}

func TestOpenFeedSwitchesRoomOnSameConnection(t *testing.T) {
	m, _, dialer := newManager(t)
	user, err := m.Login(context.Background(), "ops", "secret")
	require.NoError(t, err)
	assert.Equal(t, "ops", user.Username)
	assert.True(t, m.Authenticated())

	first, err := m.OpenFeed(context.Background(), "org-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "org-1", first.Room)
	assert.Equal(t, []string{"org-1-1"}, recordIDs(first.Stream.Snapshot().Records))
	require.Eventually(t, func() bool { return first.Channel().State() == realtime.Joined }, time.Second, time.Millisecond)

	second, err := m.OpenFeed(context.Background(), "org-2", "room-2", activity.KindNotify)
	require.NoError(t, err)
	assert.Same(t, second, m.Feed())
	assert.Equal(t, activity.KindNotify, second.Stream.Snapshot().Filter)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, []string{
		"join-organization:org-1",
		"leave-organization:org-1",
		"join-organization:room-2",
	}, dialer.conn(0).controls())

	assert.ErrorIs(t, first.Stream.Refresh(context.Background()), activity.ErrClosed)
	assert.Equal(t, 1, second.Channel().HandlerCount(realtime.EventNewActivity))
}

func TestSessionEndClosesFeed(t *testing.T) {
	m, api, dialer := newManager(t)
	_, err := m.Login(context.Background(), "ops", "secret")
	require.NoError(t, err)
	feed, err := m.OpenFeed(context.Background(), "org-1", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Channel().State() == realtime.Joined }, time.Second, time.Millisecond)

	ended := make(chan error, 1)
	m.OnEnded(func(err error) { ended <- err })

	api.rejectAll.Store(true)
	err = feed.Stream.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrUnauthenticated)

	select {
	case got := <-ended:
		assert.ErrorIs(t, got, gateway.ErrUnauthenticated)
	case <-time.After(time.Second):
		t.Fatal("session end not reported")
	}
	assert.Nil(t, m.Feed())
	assert.False(t, m.Authenticated())
	assert.Equal(t, realtime.Disconnected, feed.Channel().State())
	assert.Contains(t, dialer.conn(0).controls(), "leave-organization:org-1")
}

func TestHandshakeRenewalFailureEndsSession(t *testing.T) {
	api := &fakeAPI{t: t}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	var skew atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }
	store := auth.NewStore(logger.Discard(), nil, gateway.NewRefresher(srv.Client(), srv.URL), auth.WithClock(clock))
	gw := gateway.New(logger.Discard(), srv.Client(), srv.URL, store)
	dialer := &fakeDialer{header: BearerHeader(gw)}
	m := NewManager(logger.Discard(), gateway.NewClient(gw), dialer, Options{
		Realtime: realtime.Options{Enabled: true, Backoff: realtime.Backoff{Min: time.Millisecond, Max: time.Millisecond}},
	})
	t.Cleanup(m.Close)

	ended := make(chan error, 1)
	m.OnEnded(func(err error) { ended <- err })

	_, err := m.Login(context.Background(), "ops", "secret")
	require.NoError(t, err)
	feed, err := m.OpenFeed(context.Background(), "org-1", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Channel().State() == realtime.Joined }, time.Second, time.Millisecond)

	skew.Store(int64(2 * time.Hour))
	require.NoError(t, dialer.conn(0).Close())

	select {
	case got := <-ended:
		assert.ErrorIs(t, got, gateway.ErrUnauthenticated)
	case <-time.After(time.Second):
		t.Fatal("session end not reported")
	}
	assert.Nil(t, m.Feed())
	assert.False(t, m.Authenticated())
	assert.Equal(t, realtime.Disconnected, feed.Channel().State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.rejected.Load())
	assert.Equal(t, 1, dialer.count())
}

func TestOpenFeedKeepsChannelWhenHistoryFails(t *testing.T) {
	m, api, dialer := newManager(t)
	_, err := m.Login(context.Background(), "ops", "secret")
	require.NoError(t, err)
	first, err := m.OpenFeed(context.Background(), "org-1", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Channel().State() == realtime.Joined }, time.Second, time.Millisecond)

	api.failHistory.Store(true)
	second, err := m.OpenFeed(context.Background(), "org-2", "", "")
	require.ErrorIs(t, err, activity.ErrFetchFailed)
	require.NotNil(t, second)
	assert.Same(t, second, m.Feed())
	assert.True(t, m.Authenticated())
	assert.Contains(t, second.Stream.Snapshot().Err, "database unavailable")
	assert.Equal(t, realtime.Joined, second.Channel().State())
	assert.Equal(t, 1, dialer.count())
	assert.Contains(t, dialer.conn(0).controls(), "join-organization:org-2")

	api.failHistory.Store(false)
	require.NoError(t, second.Stream.Refresh(context.Background()))
	assert.Equal(t, []string{"org-2-1"}, recordIDs(second.Stream.Snapshot().Records))
	assert.Empty(t, second.Stream.Snapshot().Err)
}

func TestLogoutClearsState(t *testing.T) {
	m, api, _ := newManager(t)
	_, err := m.Login(context.Background(), "ops", "secret")
	require.NoError(t, err)
	_, err = m.OpenFeed(context.Background(), "org-1", "", "")
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, int32(1), api.logouts.Load())
	assert.False(t, m.Authenticated())
	assert.Nil(t, m.Feed())
	assert.Empty(t, m.User().ID)
}

func TestRestoreWithoutRenewalToken(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Restore(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, err, auth.ErrNoRenewalToken)

	_, err = m.Login(context.Background(), "ops", "secret")
	require.NoError(t, err)
	cred, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u-1", cred.Subject)
}

func TestBearerHeader(t *testing.T) {
	store := auth.NewStore(logger.Discard(), nil, nil)
	gw := gateway.New(logger.Discard(), nil, "http://localhost", store)
	defer gw.Close()
	var ended atomic.Int32
	gw.OnSessionEnded(func(error) { ended.Add(1) })

	header := BearerHeader(gw)
	_, err := header(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Zero(t, ended.Load())

	token, _, err := auth.GenerateToken("u-1", "s", time.Hour)
	require.NoError(t, err)
	_, err = store.SetToken(token)
	require.NoError(t, err)
	h, err := header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+token, h.Get("Authorization"))

	expired, _, err := auth.GenerateToken("u-1", "s", -time.Minute)
	require.NoError(t, err)
	_, err = store.SetToken(expired)
	require.NoError(t, err)
	_, err = header(context.Background())
	assert.True(t, errors.Is(err, auth.ErrNoRenewalToken))
	assert.ErrorIs(t, err, gateway.ErrUnauthenticated)
	assert.Equal(t, int32(1), ended.Load())
	_, ok := store.Get()
	assert.False(t, ok)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.API.BaseURL = "https://desk.example.com/api/"
	m, err := New(logger.Discard(), cfg)
	require.NoError(t, err)
	defer m.Close()
	assert.False(t, m.Authenticated())

	cfg.API.Timeout = "soon"
	_, err = New(logger.Discard(), cfg)
	assert.ErrorContains(t, err, "api.timeout")
}

func recordIDs(records []activity.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
