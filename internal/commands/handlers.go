package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"linkwatch/internal/monitor"
	"linkwatch/internal/notifier"
	"linkwatch/internal/storage"
	logx "linkwatch/pkg/logx"
)

const (
	msgAskURL        = "📥 Send the link of the page I should monitor:"
	msgAlreadyWatch  = "⚠️ This link is already being monitored in this chat."
	msgAddedFmt      = "✅ Link %s added. First link found: %s"
	msgAddedNoAnchor = "⚠️ Link added, but no link could be extracted from the page."
	msgAskURLTimeout = "⏰ Time's up. Please try again with /monitor."
	msgNothingWatch  = "📭 No links are being monitored in this chat."
	msgListHeader    = "🔗 Links monitored in this chat:"
	msgAskIndex      = "Send the number of the link to remove it."
	msgRemovedFmt    = "✅ Link removed: %s"
	msgBadIndex      = "❌ Invalid number."
	msgIndexTimeout  = "⏰ Time's up. Please try again."
	msgNotANumber    = "⚠️ Invalid input. Enter only the number of the link."
	msgBadURL        = "⚠️ That does not look like a http(s) link."
)

// Tracker is the registry surface the commands need.
type Tracker interface {
	Add(ctx context.Context, channelID int64, rawURL string) (monitor.AddResult, error)
	Remove(channelID int64, index int) (string, error)
	List(channelID int64) []string
	Stats() monitor.Stats
}

// StatusSource reports scheduler state for /status.
type StatusSource interface {
	State() monitor.State
	Interval() time.Duration
	LastReport() (monitor.TickReport, uint64)
	NextRun() time.Time
}

// HistorySource is optional; nil hides the notifier section of /status.
type HistorySource interface {
	History() []notifier.HistoryItem
}

// AuditSource reads back the audit trail. chatID 0 means every chat.
type AuditSource interface {
	RecentAudit(ctx context.Context, chatID int64, limit int) ([]storage.AuditEntry, error)
}

// statusAuditLimit caps the "recent changes" section of /status.
const statusAuditLimit = 5

type Deps struct {
	Tracker Tracker
	Status  StatusSource
	History HistorySource
	Audit   AuditSource
	// FetchTimeout bounds /monitor, which fetches the page once.
	FetchTimeout time.Duration
}

// Builtins returns the command table for the link monitor.
func Builtins(d Deps) []Command {
	addTimeout := d.FetchTimeout + 5*time.Second
	if d.FetchTimeout <= 0 {
		addTimeout = 0
	}
	return []Command{
		{
			Name:        "monitor",
			Aliases:     []string{"monitorar", "add"},
			Description: "start monitoring a page for a new first link",
			Usage:       "/monitor [url]",
			Timeout:     addTimeout,
			Handle:      d.handleMonitor,
		},
		{
			Name:        "list",
			Aliases:     []string{"listar"},
			Description: "list the pages monitored in this chat",
			Usage:       "/list",
			Handle:      d.handleList,
		},
		{
			Name:        "remove",
			Aliases:     []string{"remover", "rm"},
			Description: "stop monitoring a page",
			Usage:       "/remove [number]",
			Handle:      d.handleRemove,
		},
		{
			Name:        "status",
			Description: "scheduler and notifier status",
			Usage:       "/status",
			Access:      AccessOwnerOnly,
			Handle:      d.handleStatus,
		},
	}
}

func (d Deps) handleMonitor(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		req.Prompt(func(ctx context.Context, req *Request, answer string) error {
			return d.addURL(ctx, req, answer)
		}, msgAskURLTimeout)
		return req.Reply(ctx, msgAskURL)
	}
	return d.addURL(ctx, req, req.Args[0])
}

func (d Deps) addURL(ctx context.Context, req *Request, raw string) error {
	res, err := d.Tracker.Add(ctx, req.Chat.ChatID, raw)
	if err != nil {
		if errors.Is(err, monitor.ErrInvalidURL) {
			return req.Reply(ctx, msgBadURL)
		}
		return err
	}
	switch {
	case res.Outcome == monitor.AddAlreadyTracked:
		return req.Reply(ctx, msgAlreadyWatch)
	case res.SeedErr != nil || res.Fingerprint == "":
		if res.SeedErr != nil {
			req.Logger.Warn("seed extraction failed", logx.Err(res.SeedErr))
		}
		return req.Reply(ctx, msgAddedNoAnchor)
	default:
		return req.Reply(ctx, fmt.Sprintf(msgAddedFmt, res.URL, res.Fingerprint))
	}
}

func (d Deps) handleList(ctx context.Context, req *Request) error {
	urls := d.Tracker.List(req.Chat.ChatID)
	if len(urls) == 0 {
		return req.Reply(ctx, msgNothingWatch)
	}
	return req.Reply(ctx, msgListHeader+"\n"+numbered(urls))
}

func (d Deps) handleRemove(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		return d.removeIndex(ctx, req, req.Args[0])
	}
	urls := d.Tracker.List(req.Chat.ChatID)
	if len(urls) == 0 {
		return req.Reply(ctx, msgNothingWatch)
	}
	req.Prompt(func(ctx context.Context, req *Request, answer string) error {
		return d.removeIndex(ctx, req, answer)
	}, msgIndexTimeout)
	return req.Reply(ctx, "❌ Which link do you want to remove?\n"+numbered(urls)+"\n"+msgAskIndex)
}

func (d Deps) removeIndex(ctx context.Context, req *Request, raw string) error {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return req.Reply(ctx, msgNotANumber)
	}
	u, err := d.Tracker.Remove(req.Chat.ChatID, n)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		return req.Reply(ctx, msgNothingWatch)
	case errors.Is(err, monitor.ErrInvalidIndex):
		return req.Reply(ctx, msgBadIndex)
	case err != nil:
		return err
	}
	return req.Reply(ctx, fmt.Sprintf(msgRemovedFmt, u))
}

func (d Deps) handleStatus(ctx context.Context, req *Request) error {
	var b strings.Builder
	if d.Status != nil {
		rep, ticks := d.Status.LastReport()
		fmt.Fprintf(&b, "Scheduler: %s, every %s\n", d.Status.State(), d.Status.Interval())
		if next := d.Status.NextRun(); !next.IsZero() {
			fmt.Fprintf(&b, "Next tick: %s\n", next.Format(time.RFC3339))
		}
		if ticks == 0 {
			b.WriteString("Last tick: none yet\n")
		} else {
			fmt.Fprintf(&b, "Last tick (#%d at %s): %s\n", ticks, rep.StartedAt.Format(time.RFC3339), rep)
		}
	}
	if d.Tracker != nil {
		st := d.Tracker.Stats()
		fmt.Fprintf(&b, "Tracked: %d links in %d chats (%d without a baseline)\n", st.Entries, st.Channels, st.Unseeded)
		if st.LastSaveErr != nil {
			fmt.Fprintf(&b, "Last save error: %v\n", st.LastSaveErr)
		}
	}
	if d.History != nil {
		h := d.History.History()
		fmt.Fprintf(&b, "Notifications sent: %d", len(h))
		if len(h) > 0 {
			fmt.Fprintf(&b, " (last at %s)", h[len(h)-1].At.Format(time.RFC3339))
		}
		b.WriteByte('\n')
	}
	if d.Audit != nil {
		writeRecentAudit(ctx, &b, d.Audit, req)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

// writeRecentAudit lists the newest audit entries for the requesting chat.
// A read error is logged and leaves the section out.
func writeRecentAudit(ctx context.Context, b *strings.Builder, src AuditSource, req *Request) {
	entries, err := src.RecentAudit(ctx, req.Chat.ChatID, statusAuditLimit)
	if err != nil {
		req.Logger.Warn("audit read failed", logx.Err(err))
		return
	}
	if len(entries) == 0 {
		b.WriteString("Recent changes in this chat: none\n")
		return
	}
	b.WriteString("Recent changes in this chat:\n")
	for _, e := range entries {
		fmt.Fprintf(b, "• %s %s", e.At.Format(time.RFC3339), e.Action)
		if e.URL != "" {
			fmt.Fprintf(b, " %s", e.URL)
		}
		if e.Error != "" {
			fmt.Fprintf(b, " (%s)", e.Error)
		}
		b.WriteByte('\n')
	}
}

func numbered(urls []string) string {
	var b strings.Builder
	for i, u := range urls {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, u)
	}
	return b.String()
}
