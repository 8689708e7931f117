// Package announce posts fixed messages to chats on a cron schedule.
package announce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"linkwatch/internal/schedule"
	"linkwatch/internal/transport"
	logx "linkwatch/pkg/logx"
)

// Channel is the Notification.Channel used for announcements.
const Channel = "announcement"

const defaultPostTimeout = 30 * time.Second

var ErrUnknown = errors.New("unknown announcement")

type Announcement struct {
	Name     string
	Schedule string
	ChatID   int64
	Text     string
	Disabled bool
}

// Poster delivers one notification, queued or inline.
type Poster interface {
	Post(ctx context.Context, n transport.Notification) error
}

// Info is a read-only view of a registered announcement.
type Info struct {
	Name   string
	ChatID int64
	Spec   string
	Next   time.Time
}

type entry struct {
	a    Announcement
	spec string
	id   cron.EntryID
}

type Service struct {
	poster Poster
	log    logx.Logger

	mu      sync.Mutex
	defs    map[string]*entry
	cron    *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

func New(poster Poster, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		poster:  poster,
		log:     log,
		defs:    map[string]*entry{},
		timeout: defaultPostTimeout,
	}
}

// Apply replaces the announcement set. Nothing changes when any entry is
// invalid.
func (s *Service) Apply(list []Announcement) error {
	next := map[string]*entry{}
	var errs []error
	for _, a := range list {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			errs = append(errs, errors.New("announcement: name required"))
			continue
		}
		if _, dup := next[a.Name]; dup {
			errs = append(errs, fmt.Errorf("announcement %q: duplicate name", a.Name))
			continue
		}
		sp, err := schedule.Parse(a.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("announcement %q: %w", a.Name, err))
			continue
		}
		next[a.Name] = &entry{a: a, spec: sp.CronSpec()}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		for _, e := range s.defs {
			s.cron.Remove(e.id)
		}
	}
	s.defs = next
	if s.cron != nil {
		s.registerLocked()
	}
	s.log.Info("announcements applied", logx.Int("count", len(next)))
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithParser(schedule.Parser),
		cron.WithLogger(schedule.CronLogger(s.log)),
		cron.WithChain(cron.Recover(schedule.CronLogger(s.log))),
	)
	s.registerLocked()
	s.cron.Start()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.runCtx, s.cancel = nil, nil, nil
	for _, e := range s.defs {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	cancel()
}

func (s *Service) registerLocked() {
	for name, e := range s.defs {
		if e.a.Disabled {
			continue
		}
		name := name
		id, err := s.cron.AddFunc(e.spec, func() { s.fire(name) })
		if err != nil {
			// specs were validated in Apply
			s.log.Error("announcement not scheduled", logx.String("name", name), logx.Err(err))
			continue
		}
		e.id = id
	}
}

func (s *Service) fire(name string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.Trigger(ctx, name); err != nil {
		s.log.Warn("announcement failed", logx.String("name", name), logx.Err(err))
	}
}

// Trigger posts the named announcement now.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	e := s.defs[name]
	timeout := s.timeout
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := s.poster.Post(cctx, transport.Notification{
		Channel: Channel,
		Target:  transport.ChatTarget{ChatID: e.a.ChatID},
		Text:    e.a.Text,
	})
	if err == nil {
		s.log.Debug("announcement posted", logx.String("name", name), logx.Int64("chat_id", e.a.ChatID))
	}
	return err
}

// List returns the registered announcements sorted by name.
func (s *Service) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for name, e := range s.defs {
		in := Info{Name: name, ChatID: e.a.ChatID, Spec: e.spec}
		if s.cron != nil && e.id != 0 {
			in.Next = s.cron.Entry(e.id).Next
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
