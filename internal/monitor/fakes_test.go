package monitor

import (
	"context"
	"errors"
	"sync"
)

// memStore is an in-memory Store that records every save.
type memStore struct {
	mu      sync.Mutex
	initial Snapshot
	loadErr error
	saveErr error
	saves   []Snapshot
}

func (m *memStore) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initial, m.loadErr
}

func (m *memStore) Save(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves = append(m.saves, s)
	return nil
}

func (m *memStore) last() (Snapshot, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saves) == 0 {
		return Snapshot{}, 0
	}
	return m.saves[len(m.saves)-1], len(m.saves)
}

// scriptedExtractor returns per-URL results set by the test.
type scriptedExtractor struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	panics  map[string]bool
	calls   map[string]int
	hook    func(url string)
}

func newScripted() *scriptedExtractor {
	return &scriptedExtractor{
		results: map[string]string{},
		errs:    map[string]error{},
		panics:  map[string]bool{},
		calls:   map[string]int{},
	}
}

func (s *scriptedExtractor) set(url, fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errs, url)
	s.results[url] = fp
}

func (s *scriptedExtractor) fail(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[url] = err
}

func (s *scriptedExtractor) Extract(ctx context.Context, url string) (string, error) {
	s.mu.Lock()
	s.calls[url]++
	hook := s.hook
	p := s.panics[url]
	err := s.errs[url]
	fp, ok := s.results[url]
	s.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	if p {
		panic("extractor exploded")
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &FetchError{URL: url, Kind: FetchNetwork, Err: errors.New("no script")}
	}
	return fp, nil
}

func (s *scriptedExtractor) callCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

// recordingSink collects delivered events.
type recordingSink struct {
	mu     sync.Mutex
	events []ChangeEvent
	err    error
}

func (r *recordingSink) Deliver(ctx context.Context, ev ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) all() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeEvent(nil), r.events...)
}

type reachability map[int64]bool

func (r reachability) ChannelReachable(ctx context.Context, id int64) bool {
	ok, known := r[id]
	return !known || ok
}
