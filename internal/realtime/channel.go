package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Joined
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Status is what OnStateChange observers receive.
type Status struct {
	State     State
	Room      string
	LastError string
}

// Options configures a Channel.
type Options struct {
	Enabled      bool
	Backoff      Backoff
	WriteTimeout time.Duration
}

// Channel owns at most one transport connection and keeps it joined to the current room,
// reconnecting with backoff and re-joining after every drop. Events received while disconnected
// are lost; consumers reconcile through a history fetch.
//
// Handlers run on the channel's read goroutine in arrival order. They must not call Close
// synchronously.
type Channel struct {
	registry *Registry
	dialer   Dialer
	opts     Options
	logger   *slog.Logger

	// opMu orders room transitions: connect+join, SwitchRoom and Close.
	opMu    sync.Mutex
	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	room      string
	lastErr   string
	conn      Conn
	cancel    context.CancelFunc
	done      chan struct{}
	observers []stateObserver
	nextObsID uint64

	closing atomic.Bool
}

type stateObserver struct {
	id uint64
	fn func(Status)
}

// NewChannel creates a disconnected Channel.
func NewChannel(log *slog.Logger, dialer Dialer, opts Options) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		registry: NewRegistry(),
		dialer:   dialer,
		opts:     opts,
		logger:   log.With(slog.String("component", "realtime")),
	}
}

// Subscribe routes event to h.
func (c *Channel) Subscribe(event string, h Handler) *Subscription {
	return c.registry.Subscribe(event, h)
}

// Unsubscribe removes the given handlers of event, or all of them when none are given.
func (c *Channel) Unsubscribe(event string, subs ...*Subscription) {
	c.registry.Unsubscribe(event, subs...)
}

// HandlerCount returns the number of handlers for event.
func (c *Channel) HandlerCount(event string) int {
	return c.registry.Count(event)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a transport connection is up.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// LastError returns the last transport error, or "" after a successful connect.
func (c *Channel) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Room returns the current room key.
func (c *Channel) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// OnStateChange registers fn for state transitions and returns its disposer.
func (c *Channel) OnStateChange(fn func(Status)) func() {
	c.mu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers = append(c.observers, stateObserver{id: id, fn: fn})
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, o := range c.observers {
				if o.id == id {
					c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Open starts the connection loop for roomKey. A disabled channel or an empty key leaves it
// disconnected. On an open channel it behaves like SwitchRoom.
func (c *Channel) Open(ctx context.Context, roomKey string) error {
	roomKey = strings.TrimSpace(roomKey)
	if !c.opts.Enabled || roomKey == "" {
		return nil
	}
	if c.dialer == nil {
		return errors.New("realtime dialer not configured")
	}

	c.opMu.Lock()
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		c.opMu.Unlock()
		return c.SwitchRoom(roomKey)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.room = roomKey
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	c.closing.Store(false)
	c.opMu.Unlock()

	c.logger.Info("realtime open", slog.String("room", roomKey))
	go c.run(loopCtx, done)
	return nil
}

// SwitchRoom leaves the current room and joins roomKey over the existing connection. Without a
// connection only the key changes and the next connect joins it.
func (c *Channel) SwitchRoom(roomKey string) error {
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" {
		return errors.New("room key is required")
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	old := c.room
	if old == roomKey {
		c.mu.Unlock()
		return nil
	}
	c.room = roomKey
	conn := c.conn
	c.mu.Unlock()

	c.logger.Info("realtime switch room", slog.String("from", old), slog.String("to", roomKey))
	if conn == nil {
		return nil
	}
	if old != "" {
		if err := c.send(conn, ControlLeave, old); err != nil {
			c.dropConn(conn, err)
			return nil
		}
	}
	if err := c.send(conn, ControlJoin, roomKey); err != nil {
		c.dropConn(conn, err)
	}
	return nil
}

// FilterActivities asks the server to scope the room's activity stream to kind.
func (c *Channel) FilterActivities(kind string) error {
	c.mu.Lock()
	conn, room := c.conn, c.room
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(conn, ControlFilter, FilterRequest{RoomKey: room, Kind: kind})
}

// Emit sends an arbitrary event when connected. Messages are not queued while disconnected.
func (c *Channel) Emit(event string, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(conn, event, v)
}

// Close leaves the current room, tears down the transport and waits for the read loop to stop.
// No handler runs after Close returns.
func (c *Channel) Close() error {
	c.opMu.Lock()
	c.closing.Store(true)
	c.mu.Lock()
	conn, room, cancel, done := c.conn, c.room, c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if conn != nil && room != "" {
		if err := c.send(conn, ControlLeave, room); err != nil {
			c.logger.Debug("leave on close failed", slog.Any("error", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.opMu.Unlock()

	if done != nil {
		<-done
		c.logger.Info("realtime closed", slog.String("room", room))
	}
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.done = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		c.setState(Disconnected)
		close(done)
	}()

	failures := 0
	for {
		c.setState(Connecting)
		conn, err := c.dialer.Dial(ctx)
		if err == nil {
			err = c.join(ctx, conn)
		}
		if err == nil {
			failures = 0
			err = c.readLoop(ctx, conn)
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
		}
		if ctx.Err() != nil || c.closing.Load() {
			return
		}
		c.recordError(err)
		c.setState(Disconnected)
		if errors.Is(err, ErrRejected) {
			c.logger.Warn("realtime credential unavailable, not reconnecting", slog.Any("error", err))
			return
		}

		failures++
		if !c.opts.Backoff.Allow(failures) {
			c.logger.Warn("realtime giving up", slog.Int("attempts", failures), slog.String("error", c.LastError()))
			return
		}
		delay := c.opts.Backoff.Delay(failures)
		c.setState(Reconnecting)
		c.logger.Info("realtime reconnecting", slog.Int("attempt", failures), slog.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// join installs conn and joins the current room under opMu so a concurrent SwitchRoom cannot
// interleave with it.
func (c *Channel) join(ctx context.Context, conn Conn) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if ctx.Err() != nil || c.closing.Load() {
		_ = conn.Close()
		return context.Canceled
	}
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if err := c.send(conn, ControlJoin, room); err != nil {
		_ = conn.Close()
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.lastErr = ""
	c.mu.Unlock()
	c.setState(Joined)
	c.logger.Info("realtime joined", slog.String("room", room))
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if c.closing.Load() {
			return context.Canceled
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame Frame) {
	switch frame.Event {
	case EventJoinedRoom, EventLeftRoom:
		var ack RoomAck
		_ = json.Unmarshal(frame.Data, &ack)
		c.logger.Debug("realtime room ack", slog.String("event", frame.Event), slog.String("room", ack.RoomKey))
	}
	c.registry.Dispatch(frame.Event, frame.Data)
}

func (c *Channel) send(conn Conn, event string, v any) error {
	frame, err := NewFrame(event, v)
	if err != nil {
		return err
	}
	timeout := c.opts.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteFrame(ctx, frame)
}

// dropConn closes conn after a failed write; the read loop then reconnects.
func (c *Channel) dropConn(conn Conn, err error) {
	c.logger.Warn("realtime write failed", slog.Any("error", err))
	c.recordError(err)
	_ = conn.Close()
}

func (c *Channel) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	status := Status{State: s, Room: c.room, LastError: c.lastErr}
	observers := make([]stateObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, o := range observers {
		o.fn(status)
	}
}
