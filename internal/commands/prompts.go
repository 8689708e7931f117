package commands

import (
	"context"
	"sync"
	"time"

	"linkwatch/internal/transport"
)

// PromptFunc receives the text of the answer to a prompt.
type PromptFunc func(ctx context.Context, req *Request, answer string) error

type promptKey struct {
	chatID int64
	userID int64
}

type pending struct {
	chat      transport.ChatTarget
	cmd       string
	handle    PromptFunc
	onTimeout string
	expires   time.Time
}

// promptTable holds at most one pending prompt per (chat, user).
type promptTable struct {
	mu sync.Mutex
	m  map[promptKey]*pending
}

func newPromptTable() *promptTable {
	return &promptTable{m: map[promptKey]*pending{}}
}

func (t *promptTable) set(k promptKey, p *pending) {
	t.mu.Lock()
	t.m[k] = p
	t.mu.Unlock()
}

// take removes and returns the live prompt for k. An expired prompt is left
// for the sweeper so its timeout message is still sent.
func (t *promptTable) take(k promptKey, now time.Time) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.m[k]
	if p == nil || !now.Before(p.expires) {
		return nil
	}
	delete(t.m, k)
	return p
}

func (t *promptTable) drop(k promptKey) {
	t.mu.Lock()
	delete(t.m, k)
	t.mu.Unlock()
}

func (t *promptTable) expire(now time.Time) []*pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pending
	for k, p := range t.m {
		if !now.Before(p.expires) {
			out = append(out, p)
			delete(t.m, k)
		}
	}
	return out
}

func (t *promptTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
