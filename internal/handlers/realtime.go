package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/realtime"
	"github.com/memohai/tenantdesk/internal/rooms"
)

const realtimeWriteTimeout = 10 * time.Second

// RealtimeHandler upgrades /ws to a websocket and relays room events to the client.
type RealtimeHandler struct {
	hub       *rooms.Hub
	jwtSecret string
	logger    *slog.Logger
}

// NewRealtimeHandler creates a realtime handler on hub.
func NewRealtimeHandler(log *slog.Logger, hub *rooms.Hub, jwtSecret string) *RealtimeHandler {
	return &RealtimeHandler{
		hub:       hub,
		jwtSecret: jwtSecret,
		logger:    log.With(slog.String("handler", "realtime")),
	}
}

// Register mounts GET /ws.
func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Connect)
}

// Connect godoc
// @Summary Realtime connection
// @Description Upgrade to a websocket carrying {"event","data"} frames. Requires a bearer token.
// @Tags realtime
// @Success 101
// @Failure 401 {object} ErrorResponse
// @Router /ws [get].
func (h *RealtimeHandler) Connect(c echo.Context) error {
	token := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.TrimSpace(token) == "" {
		token = c.QueryParam("token")
	}
	userID, err := auth.VerifyToken(token, h.jwtSecret)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrorBody{Code: auth.CodeTokenExpired, Message: "access token expired"})
		}
		return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrorBody{Code: auth.CodeUnauthorized, Message: "invalid or missing token"})
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.Any("error", err))
		return nil
	}
	s := &wsSession{
		conn:   conn,
		hub:    h.hub,
		rooms:  map[string]*membership{},
		logger: h.logger.With(slog.String("user", userID)),
	}
	s.serve(c.Request().Context())
	return nil
}

type membership struct {
	leave  func()
	filter string
}

type wsSession struct {
	conn    *websocket.Conn
	hub     *rooms.Hub
	logger  *slog.Logger
	writeMu sync.Mutex
	mu      sync.Mutex
	rooms   map[string]*membership
	wg      sync.WaitGroup
}

func (s *wsSession) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.leaveAll()
		s.wg.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}()
	s.logger.Info("realtime client connected")

	for {
		var frame realtime.Frame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("realtime read failed", slog.Any("error", err))
			}
			s.logger.Info("realtime client disconnected")
			return
		}
		s.handle(ctx, frame)
	}
}

func (s *wsSession) handle(ctx context.Context, frame realtime.Frame) {
	switch frame.Event {
	case realtime.ControlJoin:
		var room string
		if err := json.Unmarshal(frame.Data, &room); err != nil || strings.TrimSpace(room) == "" {
			s.logger.Warn("invalid join payload", slog.String("data", string(frame.Data)))
			return
		}
		s.join(ctx, strings.TrimSpace(room))
	case realtime.ControlLeave:
		var room string
		if err := json.Unmarshal(frame.Data, &room); err != nil {
			s.logger.Warn("invalid leave payload", slog.String("data", string(frame.Data)))
			return
		}
		s.leave(ctx, strings.TrimSpace(room))
	case realtime.ControlFilter:
		var req realtime.FilterRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.logger.Warn("invalid filter payload", slog.String("data", string(frame.Data)))
			return
		}
		s.setFilter(ctx, req)
	default:
		s.logger.Debug("ignoring client event", slog.String("event", frame.Event))
	}
}

func (s *wsSession) join(ctx context.Context, room string) {
	s.mu.Lock()
	if _, ok := s.rooms[room]; ok {
		s.mu.Unlock()
		s.ack(ctx, realtime.EventJoinedRoom, room, "already joined")
		return
	}
	_, stream, leave := s.hub.Subscribe(room, rooms.DefaultBufferSize)
	m := &membership{leave: leave}
	s.rooms[room] = m
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range stream {
			if !s.accepts(room, msg.Kind) {
				continue
			}
			if err := s.write(ctx, msg.Frame); err != nil {
				s.logger.Debug("realtime write failed", slog.String("room", room), slog.Any("error", err))
				return
			}
		}
	}()
	s.logger.Info("joined room", slog.String("room", room))
	s.ack(ctx, realtime.EventJoinedRoom, room, "joined "+room)
}

func (s *wsSession) leave(ctx context.Context, room string) {
	s.mu.Lock()
	m, ok := s.rooms[room]
	delete(s.rooms, room)
	s.mu.Unlock()
	if ok {
		m.leave()
		s.logger.Info("left room", slog.String("room", room))
	}
	s.ack(ctx, realtime.EventLeftRoom, room, "left "+room)
}

func (s *wsSession) setFilter(ctx context.Context, req realtime.FilterRequest) {
	kind, err := activity.ParseKind(req.Kind)
	if err != nil {
		s.logger.Warn("invalid activity filter", slog.String("kind", req.Kind))
		return
	}
	room := strings.TrimSpace(req.RoomKey)
	s.mu.Lock()
	m, ok := s.rooms[room]
	if ok {
		m.filter = string(kind)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("filter for room not joined", slog.String("room", room))
		return
	}
	frame, err := realtime.NewFrame(realtime.EventActivityFilterChanged, realtime.FilterRequest{RoomKey: room, Kind: string(kind)})
	if err != nil {
		return
	}
	_ = s.write(ctx, frame)
}

// accepts reports whether an event of kind passes the room's filter. Events without a kind always
// pass.
func (s *wsSession) accepts(room, kind string) bool {
	if kind == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rooms[room]
	if !ok {
		return false
	}
	return m.filter == "" || m.filter == kind
}

func (s *wsSession) ack(ctx context.Context, event, room, message string) {
	frame, err := realtime.NewFrame(event, realtime.RoomAck{RoomKey: room, Message: message})
	if err != nil {
		return
	}
	if err := s.write(ctx, frame); err != nil {
		s.logger.Debug("realtime ack failed", slog.String("event", event), slog.Any("error", err))
	}
}

func (s *wsSession) write(ctx context.Context, frame realtime.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, realtimeWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, frame)
}

func (s *wsSession) leaveAll() {
	s.mu.Lock()
	members := s.rooms
	s.rooms = map[string]*membership{}
	s.mu.Unlock()
	for _, m := range members {
		m.leave()
	}
}
