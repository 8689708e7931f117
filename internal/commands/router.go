package commands

import (
	"context"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"linkwatch/internal/runtime/supervisor"
	"linkwatch/internal/transport"
	logx "linkwatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOwnerOnly restricts a command to telegram.owner_user_ids.
	// With no owners configured everyone passes.
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update       transport.Update
	Chat         transport.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Text         string
	ReqID        string
	Logger       logx.Logger

	router *Router
}

// Reply sends plain text back to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.router.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// Prompt makes the next plain message from the same user in the same chat
// go to fn instead of the command table. If nothing arrives within the
// router's prompt timeout, onTimeout is sent to the chat.
func (r *Request) Prompt(fn PromptFunc, onTimeout string) {
	r.router.prompts.set(promptKey{chatID: r.Chat.ChatID, userID: r.FromID}, &pending{
		chat:      r.Chat,
		cmd:       r.Command,
		handle:    fn,
		onTimeout: onTimeout,
		expires:   r.router.now().Add(r.router.promptTimeout()),
	})
}

type Options struct {
	Owners        []int64
	Workers       int
	QueueSize     int
	PromptTimeout time.Duration
	// DefaultTimeout bounds a handler when the command sets no Timeout.
	DefaultTimeout time.Duration
}

// Router dispatches message updates to commands and pending prompts.
type Router struct {
	log    logx.Logger
	sender transport.Sender
	now    func() time.Time

	mu       sync.RWMutex
	commands map[string]*Command
	ordered  []*Command
	owners   []int64
	pTimeout time.Duration

	opts    Options
	prompts *promptTable

	runMu  sync.Mutex
	queues []chan func()
}

func NewRouter(log logx.Logger, sender transport.Sender, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = 60 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 90 * time.Second
	}
	return &Router{
		log:      log,
		sender:   sender,
		now:      time.Now,
		commands: map[string]*Command{},
		owners:   append([]int64(nil), opts.Owners...),
		pTimeout: opts.PromptTimeout,
		opts:     opts,
		prompts:  newPromptTable(),
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) SetPromptTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.pTimeout = d
	r.mu.Unlock()
}

func (r *Router) promptTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pTimeout
}

// SetCommands replaces the command table. A help command is always added.
func (r *Router) SetCommands(cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"start", "ajuda"},
		Description: "show this help",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText())
		},
	}
	cmds = append(cmds, helper)

	table := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		ordered = append(ordered, c)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := table[a]; !exists {
				table[a] = c
			}
		}
	}

	r.mu.Lock()
	r.commands = table
	r.ordered = ordered
	r.mu.Unlock()
}

// MenuCommands returns the command list for a platform command menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		if !reMenuName.MatchString(c.Name) {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Telegram command names are restricted to [a-z0-9_]{1,32}.
var reMenuName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range r.ordered {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run consumes updates until ctx is canceled or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)

	var drained sync.WaitGroup
	queues := make([]chan func(), r.opts.Workers)
	for i := range queues {
		q := make(chan func(), r.opts.QueueSize)
		queues[i] = q
		drained.Add(1)
		var once sync.Once
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			err := r.workerLoop(c, q)
			if err == nil {
				once.Do(drained.Done)
			}
			return err
		}, 200*time.Millisecond, 5*time.Second)
	}
	sup.Go0("command.prompt_sweeper", r.sweepLoop)

	r.runMu.Lock()
	r.queues = queues
	r.runMu.Unlock()
	r.log.Info("command dispatcher started", logx.Int("workers", len(queues)))

	defer func() {
		r.runMu.Lock()
		r.queues = nil
		r.runMu.Unlock()
		// Closed queues let the workers finish what was already routed.
		for _, q := range queues {
			close(q)
		}
		idle := make(chan struct{})
		go func() {
			drained.Wait()
			close(idle)
		}()
		select {
		case <-idle:
		case <-time.After(3 * time.Second):
			r.log.Warn("command workers did not drain in time")
		}
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) workerLoop(ctx context.Context, q <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-q:
			if !ok {
				return nil
			}
			job()
		}
	}
}

// Route hands an update to the worker owning its chat. It never blocks;
// when the queue is full the user is told to retry.
func (r *Router) Route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if len(r.queues) == 0 {
		return
	}
	q := r.queues[shard(msg.ChatID, len(r.queues))]
	select {
	case q <- func() { r.handleMessage(ctx, up) }:
	default:
		r.log.Warn("command queue full", logx.Int64("chat_id", msg.ChatID))
		_, _ = r.sender.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "busy, try again", nil)
	}
}

func shard(chatID int64, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(chatID, 10)))
	return int(h.Sum32() % uint32(n))
}

// handleMessage runs on the chat's worker.
func (r *Router) handleMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	parts := tokenizeCommandLine(text)
	key := promptKey{chatID: msg.ChatID, userID: msg.FromID}

	word, isCmd := "", false
	if len(parts) > 0 {
		word, isCmd = commandWord(parts[0])
	}

	if !isCmd {
		p := r.prompts.take(key, r.now())
		if p == nil {
			return
		}
		req := r.newRequest(up, p.cmd, nil)
		h := func(ctx context.Context, req *Request) error { return p.handle(ctx, req, text) }
		r.run(ctx, req, h, 0)
		return
	}

	// A new command abandons any pending prompt of the same user.
	r.prompts.drop(key)

	r.mu.RLock()
	cmd, ok := r.commands[word]
	owners := r.owners
	r.mu.RUnlock()
	if !ok {
		if text[0] == '/' {
			_, _ = r.sender.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "unknown command, try /help", nil)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = r.sender.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "unauthorized", nil)
		return
	}
	req := r.newRequest(up, cmd.Name, parts[1:])
	r.run(ctx, req, cmd.Handle, cmd.Timeout)
}

func (r *Router) newRequest(up transport.Update, cmd string, args []string) *Request {
	msg := up.Message
	rid := newReqID()
	return &Request{
		Update:       up,
		Chat:         transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd,
		Args:         args,
		Text:         msg.Text,
		ReqID:        rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd),
		),
		router: r,
	}
}

func (r *Router) run(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) {
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	if err := final(ctx, req); err != nil && ctx.Err() == nil {
		_ = req.Reply(ctx, "❌ Something went wrong, please try again.")
	}
}

func (r *Router) sweepLoop(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.SweepPrompts(ctx)
		}
	}
}

// SweepPrompts sends the timeout message for every expired prompt.
func (r *Router) SweepPrompts(ctx context.Context) {
	for _, p := range r.prompts.expire(r.now()) {
		if p.onTimeout == "" {
			continue
		}
		if _, err := r.sender.SendText(ctx, p.chat, p.onTimeout, nil); err != nil {
			r.log.Debug("prompt timeout reply failed", logx.Int64("chat_id", p.chat.ChatID), logx.Err(err))
		}
	}
}

func isOwner(id int64, owners []int64) bool {
	if len(owners) == 0 {
		return true
	}
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
