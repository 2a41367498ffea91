package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/realtime"
)

var (
	colorGreen  = lipgloss.Color("#9ece6a")
	colorYellow = lipgloss.Color("#e0af68")
	colorRed    = lipgloss.Color("#f7768e")
	colorBlue   = lipgloss.Color("#7aa2f7")
	colorPurple = lipgloss.Color("#bb9af7")
	colorGray   = lipgloss.Color("#565f89")
)

var kindStyles = map[activity.Kind]lipgloss.Style{
	activity.KindNotify:   lipgloss.NewStyle().Foreground(colorBlue),
	activity.KindAnnounce: lipgloss.NewStyle().Foreground(colorPurple),
	activity.KindWarn:     lipgloss.NewStyle().Foreground(colorYellow).Bold(true),
	activity.KindAlert:    lipgloss.NewStyle().Foreground(colorRed).Bold(true),
	activity.KindShow:     lipgloss.NewStyle().Foreground(colorGreen),
}

var (
	timeStyle   = lipgloss.NewStyle().Foreground(colorGray)
	actorStyle  = lipgloss.NewStyle().Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(colorPurple).Italic(true)
	statusStyle = lipgloss.NewStyle().Foreground(colorGray)
)

func kindLabel(k activity.Kind) string {
	style, ok := kindStyles[k]
	if !ok {
		style = lipgloss.NewStyle()
	}
	return style.Render(fmt.Sprintf("%-8s", string(k)))
}

func formatRecord(r activity.Record) string {
	var b strings.Builder
	b.WriteString(timeStyle.Render(r.CreatedAt.Local().Format("2006-01-02 15:04:05")))
	b.WriteString(" ")
	b.WriteString(kindLabel(r.Kind))
	b.WriteString(" ")
	if name := r.Actor.DisplayName; name != "" {
		b.WriteString(actorStyle.Render(name))
		b.WriteString(": ")
	}
	b.WriteString(r.Message)
	if r.SubjectType != "" || r.SubjectID != "" {
		fmt.Fprintf(&b, " [%s/%s]", r.SubjectType, r.SubjectID)
	}
	for _, e := range r.Metadata {
		fmt.Fprintf(&b, " %s=%s", e.Key, string(e.Value))
	}
	return b.String()
}

func formatSystem(m realtime.SystemMessage) string {
	kind := m.Kind
	if kind == "" {
		kind = "SYSTEM"
	}
	return noticeStyle.Render(fmt.Sprintf("** %s: %s", kind, m.Message))
}

func formatStatus(s realtime.Status) string {
	line := fmt.Sprintf("-- realtime %s", s.State)
	if s.Room != "" {
		line += " (" + s.Room + ")"
	}
	if s.LastError != "" {
		line += ": " + s.LastError
	}
	return statusStyle.Render(line)
}

// printer writes a feed as a log: the loaded history oldest first, then arrivals and removals as
// they happen.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]struct{}
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: map[string]struct{}{}}
}

func (p *printer) history(snap activity.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(snap.Records) == 0 {
		fmt.Fprintln(p.out, statusStyle.Render("-- no activity yet"))
	}
	for i := len(snap.Records) - 1; i >= 0; i-- {
		r := snap.Records[i]
		p.seen[r.ID] = struct{}{}
		fmt.Fprintln(p.out, formatRecord(r))
	}
	if snap.HasMore {
		fmt.Fprintln(p.out, statusStyle.Render(fmt.Sprintf("-- older activity available beyond page %d", snap.Page)))
	}
}

// update prints records not yet shown.
func (p *printer) update(snap activity.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Err != "" {
		fmt.Fprintln(p.out, statusStyle.Render("-- load failed: "+snap.Err))
	}
	for i := len(snap.Records) - 1; i >= 0; i-- {
		r := snap.Records[i]
		if _, ok := p.seen[r.ID]; ok {
			continue
		}
		p.seen[r.ID] = struct{}{}
		fmt.Fprintln(p.out, formatRecord(r))
	}
}

func (p *printer) removed(e activity.DeletedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, e.ActivityID)
	fmt.Fprintln(p.out, statusStyle.Render("-- removed "+e.ActivityID))
}

func (p *printer) system(m realtime.SystemMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, formatSystem(m))
}

func (p *printer) status(s realtime.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, formatStatus(s))
}
