// Package announce broadcasts scheduled system messages to every realtime room.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/tenantdesk/internal/config"
	"github.com/memohai/tenantdesk/internal/realtime"
	"github.com/memohai/tenantdesk/internal/rooms"
)

// Announcer runs the announcement cron job.
type Announcer struct {
	cron      *cron.Cron
	parser    cron.Parser
	publisher rooms.Publisher
	cfg       config.AnnouncementsConfig
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entry   cron.EntryID
	started bool
}

// NewAnnouncer validates cfg.Schedule and prepares the job. An empty cfg.Message disables it.
func NewAnnouncer(log *slog.Logger, publisher rooms.Publisher, cfg config.AnnouncementsConfig) (*Announcer, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = config.DefaultAnnounceSchedule
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("announcements.schedule: %w", err)
	}
	if strings.TrimSpace(cfg.Kind) == "" {
		cfg.Kind = "ANNOUNCE"
	}
	return &Announcer{
		cron:      cron.New(cron.WithParser(parser)),
		parser:    parser,
		publisher: publisher,
		cfg:       cfg,
		logger:    log.With(slog.String("component", "announce")),
		now:       time.Now,
	}, nil
}

// Enabled reports whether a message is configured.
func (a *Announcer) Enabled() bool {
	return strings.TrimSpace(a.cfg.Message) != ""
}

// Start schedules the configured announcement and starts the cron runner.
func (a *Announcer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || !a.Enabled() {
		return nil
	}
	id, err := a.cron.AddFunc(a.cfg.Schedule, func() {
		a.Announce(a.cfg.Message, a.cfg.Kind)
	})
	if err != nil {
		return err
	}
	a.entry = id
	a.started = true
	a.cron.Start()
	a.logger.Info("announcements scheduled", slog.String("schedule", a.cfg.Schedule))
	return nil
}

// Stop halts the runner and waits for a running job, bounded by ctx.
func (a *Announcer) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.cron.Remove(a.entry)
	a.started = false
	a.mu.Unlock()

	select {
	case <-a.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled run, or the zero time when not started.
func (a *Announcer) Next() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return time.Time{}
	}
	return a.cron.Entry(a.entry).Next
}

// Announce broadcasts one system message and returns how many members received it.
func (a *Announcer) Announce(message, kind string) int {
	frame, err := realtime.NewFrame(realtime.EventSystemMessage, realtime.SystemMessage{
		Message:   message,
		Kind:      kind,
		Timestamp: a.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.logger.Error("encode announcement failed", slog.Any("error", err))
		return 0
	}
	n := a.publisher.Broadcast(rooms.Message{Frame: frame})
	a.logger.Info("announcement sent", slog.Int("members", n))
	return n
}
