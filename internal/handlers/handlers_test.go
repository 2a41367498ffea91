package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/logger"
	"github.com/memohai/tenantdesk/internal/realtime"
	"github.com/memohai/tenantdesk/internal/rooms"
	"github.com/memohai/tenantdesk/internal/server"
	"github.com/memohai/tenantdesk/internal/store"
)

const testSecret = "handler-test-secret"

type testEnv struct {
	srv *httptest.Server
	hub *rooms.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.Discard()
	hub := rooms.NewHub()
	srv := server.NewServer(log, "", testSecret,
		NewHealthHandler(log, db),
		NewAuthHandler(log, store.NewRefreshTokenStore(db), AuthConfig{
			JWTSecret:       testSecret,
			AccessTokenTTL:  time.Minute,
			RefreshTokenTTL: time.Hour,
			Users:           map[string]string{"ops": "s3cret"},
		}),
		NewActivityHandler(log, store.NewActivityStore(db), hub),
		NewRealtimeHandler(log, hub, testSecret),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, hub: hub}
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	token, _, err := auth.GenerateToken("ops", testSecret, time.Minute)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, client *http.Client, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, nil, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","database":"ok"}`, string(body))

	resp, _ = env.do(t, nil, http.MethodHead, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginRefreshLogout(t *testing.T) {
	env := newTestEnv(t)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	resp, _ := env.do(t, client, http.MethodPost, "/auth/login", "", LoginRequest{Username: "ops", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, client, http.MethodPost, "/auth/login", "", LoginRequest{Username: "ops", Password: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login LoginResponse
	require.NoError(t, json.Unmarshal(body, &login))
	assert.Equal(t, "ops", login.User.Username)
	sub, err := auth.VerifyToken(login.AccessToken, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "ops", sub)

	resp, body = env.do(t, client, http.MethodPost, "/auth/refresh", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed RefreshResponse
	require.NoError(t, json.Unmarshal(body, &refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)

	resp, _ = env.do(t, client, http.MethodPost, "/auth/logout", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, client, http.MethodPost, "/auth/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, auth.CodeUnauthorized, errBody.Code)
}

func TestCheckPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	h := NewAuthHandler(logger.Discard(), nil, AuthConfig{Users: map[string]string{
		"hashed": string(hash),
		"plain":  "s3cret",
		"empty":  "",
	}})
	assert.True(t, h.checkPassword("hashed", "hunter2"))
	assert.False(t, h.checkPassword("hashed", "hunter3"))
	assert.True(t, h.checkPassword("plain", "s3cret"))
	assert.False(t, h.checkPassword("plain", "S3cret"))
	assert.False(t, h.checkPassword("empty", ""))
	assert.False(t, h.checkPassword("nobody", "s3cret"))
}

func TestActivityRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, nil, http.MethodGet, "/organizations/org-1/activities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, _, err := auth.GenerateToken("ops", testSecret, -time.Minute)
	require.NoError(t, err)
	resp, body := env.do(t, nil, http.MethodGet, "/organizations/org-1/activities", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, auth.CodeTokenExpired, errBody.Code)
}

func TestActivityCRUD(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	resp, body := env.do(t, nil, http.MethodPost, "/organizations/org-1/activities", token,
		CreateActivityRequest{Kind: "alert", Message: "disk full"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created activity.Record
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, activity.KindAlert, created.Kind)
	assert.Equal(t, "ops", created.Actor.ID)

	resp, _ = env.do(t, nil, http.MethodPost, "/organizations/org-1/activities", token,
		CreateActivityRequest{Kind: "bogus", Message: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, nil, http.MethodGet, "/organizations/org-1/activities?page=1&limit=5&kind=ALERT", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListActivitiesResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Activities, 1)
	assert.Equal(t, created.ID, list.Activities[0].ID)

	resp, _ = env.do(t, nil, http.MethodGet, "/organizations/org-1/activities?page=0", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	msg := "disk cleaned"
	resp, body = env.do(t, nil, http.MethodPatch, "/organizations/org-1/activities/"+created.ID, token,
		store.UpdateRequest{Message: &msg})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated activity.Record
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "disk cleaned", updated.Message)

	resp, _ = env.do(t, nil, http.MethodDelete, "/organizations/org-2/activities/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, nil, http.MethodDelete, "/organizations/org-1/activities/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, nil, http.MethodDelete, "/organizations/org-1/activities/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readFrame(t *testing.T, conn realtime.Conn) realtime.Frame {
	t.Helper()
	type result struct {
		frame realtime.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return realtime.Frame{}
	}
}

func TestRealtimeRelaysRoomEvents(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	ctx := context.Background()

	dialer := &realtime.WebsocketDialer{
		URL: "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws",
		Header: func(context.Context) (http.Header, error) {
			return http.Header{"Authorization": []string{"Bearer " + token}}, nil
		},
	}
	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	join, err := realtime.NewFrame(realtime.ControlJoin, "org-1")
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(ctx, join))
	ack := readFrame(t, conn)
	assert.Equal(t, realtime.EventJoinedRoom, ack.Event)

	resp, _ := env.do(t, nil, http.MethodPost, "/organizations/org-1/activities", token,
		CreateActivityRequest{Kind: "NOTIFY", Message: "deploy started"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	frame := readFrame(t, conn)
	require.Equal(t, realtime.EventNewActivity, frame.Event)
	var created activity.CreatedEvent
	require.NoError(t, json.Unmarshal(frame.Data, &created))
	assert.Equal(t, "deploy started", created.Activity.Message)

	filter, err := realtime.NewFrame(realtime.ControlFilter, realtime.FilterRequest{RoomKey: "org-1", Kind: "alert"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(ctx, filter))
	changed := readFrame(t, conn)
	require.Equal(t, realtime.EventActivityFilterChanged, changed.Event)
	assert.JSONEq(t, `{"roomKey":"org-1","kind":"ALERT"}`, string(changed.Data))

	env.do(t, nil, http.MethodPost, "/organizations/org-1/activities", token, CreateActivityRequest{Kind: "NOTIFY", Message: "skipped"})
	env.do(t, nil, http.MethodPost, "/organizations/org-2/activities", token, CreateActivityRequest{Kind: "ALERT", Message: "other room"})
	env.do(t, nil, http.MethodPost, "/organizations/org-1/activities", token, CreateActivityRequest{Kind: "ALERT", Message: "pager"})
	frame = readFrame(t, conn)
	require.NoError(t, json.Unmarshal(frame.Data, &created))
	assert.Equal(t, "pager", created.Activity.Message)

	env.hub.Broadcast(rooms.Message{Frame: mustFrame(t, realtime.EventSystemMessage, realtime.SystemMessage{Message: "maintenance"})})
	frame = readFrame(t, conn)
	assert.Equal(t, realtime.EventSystemMessage, frame.Event)

	leave, err := realtime.NewFrame(realtime.ControlLeave, "org-1")
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(ctx, leave))
	assert.Equal(t, realtime.EventLeftRoom, readFrame(t, conn).Event)
	assert.Equal(t, 0, env.hub.Members("org-1"))
}

func TestRealtimeRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	dialer := &realtime.WebsocketDialer{URL: "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"}
	_, err := dialer.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func mustFrame(t *testing.T, event string, v any) realtime.Frame {
	t.Helper()
	f, err := realtime.NewFrame(event, v)
	require.NoError(t, err)
	return f
}
