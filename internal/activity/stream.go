package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memohai/tenantdesk/internal/realtime"
)

// DefaultPageSize is the number of records per history page.
const DefaultPageSize = 20

var (
	// ErrFetchFailed wraps every failed history load. The view is left untouched.
	ErrFetchFailed = errors.New("activity fetch failed")
	// ErrClosed is returned once the stream has been torn down.
	ErrClosed = errors.New("activity stream closed")
)

// Mode selects how a loaded page is merged into the view.
type Mode int

const (
	Replace Mode = iota
	Append
)

func (m Mode) String() string {
	if m == Append {
		return "append"
	}
	return "replace"
}

// Source serves history pages, newest first within each page.
type Source interface {
	ListActivities(ctx context.Context, q Query) ([]Record, error)
}

// Live is the realtime side the stream listens to.
type Live interface {
	realtime.Subscriber
	FilterActivities(kind string) error
}

// CreatedEvent is the payload of new-activity and activity-updated.
type CreatedEvent struct {
	Activity  Record `json:"activity"`
	Timestamp string `json:"timestamp"`
}

// DeletedEvent is the payload of activity-deleted.
type DeletedEvent struct {
	ActivityID string `json:"activityId"`
	Timestamp  string `json:"timestamp"`
}

// Snapshot is the rendered feed.
type Snapshot struct {
	Records    []Record
	HasMore    bool
	Page       int
	Filter     Kind
	Loading    bool
	Refreshing bool
	Err        string
}

// Config scopes a stream to one organization room.
type Config struct {
	OrganizationID string
	RoomKey        string
	PageSize       int
}

type changeListener struct {
	id uint64
	fn func(Snapshot)
}

// Stream owns the view of one organization's activity feed.
//
// Live events are stored whatever the active filter; the filter is applied when a Snapshot is
// taken, and changing it re-fetches the first page.
type Stream struct {
	source Source
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	view       *View
	page       int
	hasMore    bool
	filter     Kind
	loading    int
	refreshing bool
	lastErr    string
	generation uint64
	closed     bool
	live       Live
	subs       []*realtime.Subscription
	listeners  []changeListener
	nextID     uint64
}

// NewStream creates an empty stream. Nothing is fetched until Load or Refresh.
func NewStream(log *slog.Logger, source Source, cfg Config) *Stream {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Stream{
		source: source,
		cfg:    cfg,
		view:   NewView(),
		logger: log.With(slog.String("component", "activity_stream"), slog.String("org", cfg.OrganizationID)),
	}
}

// Load fetches page (1-based) for kind and merges it by mode. On failure the view, cursor and
// HasMore are unchanged and the error wraps ErrFetchFailed. A load overtaken by a later replace
// load is discarded.
func (s *Stream) Load(ctx context.Context, page int, kind Kind, mode Mode) error {
	if page < 1 {
		return fmt.Errorf("invalid page %d", page)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if mode == Replace {
		s.generation++
	}
	gen := s.generation
	s.loading++
	s.mu.Unlock()
	s.emit()

	records, err := s.source.ListActivities(ctx, Query{
		OrganizationID: s.cfg.OrganizationID,
		RoomKey:        s.cfg.RoomKey,
		Page:           page,
		Limit:          s.cfg.PageSize,
		Kind:           kind,
	})

	s.mu.Lock()
	s.loading--
	if err != nil {
		if !s.closed {
			s.lastErr = "Failed to load activities: " + err.Error()
		}
		s.mu.Unlock()
		s.logger.Warn("activity load failed", slog.Int("page", page), slog.String("mode", mode.String()), slog.Any("error", err))
		s.emit()
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("activity load superseded", slog.Int("page", page), slog.String("mode", mode.String()))
		s.emit()
		return nil
	}
	switch mode {
	case Append:
		s.view.Append(records)
	default:
		s.view.Replace(records)
		s.filter = kind
	}
	s.page = page
	s.hasMore = len(records) == s.cfg.PageSize
	s.lastErr = ""
	s.mu.Unlock()
	s.emit()
	return nil
}

// Refresh reloads the first page for the active filter. While one refresh is in flight further
// calls return immediately.
func (s *Stream) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.refreshing {
		s.mu.Unlock()
		return nil
	}
	s.refreshing = true
	kind := s.filter
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
		s.emit()
	}()
	return s.Load(ctx, 1, kind, Replace)
}

// LoadMore appends the next page when more history exists and no load is running.
func (s *Stream) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.loading > 0 || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	page, kind := s.page+1, s.filter
	s.mu.Unlock()
	return s.Load(ctx, page, kind, Append)
}

// SetFilter reloads the first page for kind (empty for all). The filter takes effect only once
// that page has loaded, and only then is the realtime room told; a failed reload keeps the
// previous filter, view and cursor.
func (s *Stream) SetFilter(ctx context.Context, kind Kind) error {
	if err := s.Load(ctx, 1, kind, Replace); err != nil {
		return err
	}
	s.mu.Lock()
	live, current := s.live, s.filter == kind && !s.closed
	s.mu.Unlock()

	if live != nil && current {
		if err := live.FilterActivities(string(kind)); err != nil {
			s.logger.Warn("filter notify failed", slog.Any("error", err))
		}
	}
	return nil
}

// OnInsert puts a pushed record first unless its ID is already shown.
func (s *Stream) OnInsert(r Record) {
	s.mutate(func(v *View) bool { return v.Prepend(r) })
}

// OnUpdate replaces a shown record in place; records outside the view are ignored.
func (s *Stream) OnUpdate(r Record) {
	s.mutate(func(v *View) bool { return v.Update(r) })
}

// OnDelete removes a record if shown.
func (s *Stream) OnDelete(id string) {
	id = strings.TrimSpace(id)
	s.mutate(func(v *View) bool { return v.Delete(id) })
}

func (s *Stream) mutate(fn func(*View) bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := fn(s.view)
	s.mu.Unlock()
	if changed {
		s.emit()
	}
}

// Attach routes live insert/update/delete events from live into the stream.
func (s *Stream) Attach(live Live) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.live != nil {
		return errors.New("activity stream already attached")
	}
	s.live = live
	s.subs = []*realtime.Subscription{
		realtime.Listen(live, realtime.EventNewActivity, func(e CreatedEvent) { s.OnInsert(e.Activity) }),
		realtime.Listen(live, realtime.EventActivityUpdated, func(e CreatedEvent) { s.OnUpdate(e.Activity) }),
		realtime.Listen(live, realtime.EventActivityDeleted, func(e DeletedEvent) { s.OnDelete(e.ActivityID) }),
	}
	return nil
}

// Detach stops routing live events without closing the stream.
func (s *Stream) Detach() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.live = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Dispose()
	}
}

// Close detaches and freezes the stream. Later calls are no-ops or return ErrClosed.
func (s *Stream) Close() {
	s.Detach()
	s.mu.Lock()
	s.closed = true
	s.listeners = nil
	s.mu.Unlock()
}

// Snapshot returns the view filtered by the active kind.
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stream) snapshotLocked() Snapshot {
	return Snapshot{
		Records:    s.view.Records(s.filter),
		HasMore:    s.hasMore,
		Page:       s.page,
		Filter:     s.filter,
		Loading:    s.loading > 0,
		Refreshing: s.refreshing,
		Err:        s.lastErr,
	}
}

// Len returns the number of stored records, ignoring the filter.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Len()
}

// OnChange registers fn to receive a snapshot after every change and returns its disposer.
func (s *Stream) OnChange(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, changeListener{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Stream) emit() {
	s.mu.Lock()
	if s.closed || len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	listeners := make([]changeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l.fn(snap)
	}
}
