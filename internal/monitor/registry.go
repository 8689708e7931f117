package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"linkwatch/internal/eventbus"
	"linkwatch/pkg/logx"
)

type AddOutcome int

const (
	AddAdded AddOutcome = iota
	AddAlreadyTracked
)

func (o AddOutcome) String() string {
	if o == AddAlreadyTracked {
		return "already_tracked"
	}
	return "added"
}

// AddResult reports what Add did. SeedErr is set when the entry was added
// but the seeding extraction failed.
type AddResult struct {
	Outcome     AddOutcome
	URL         string
	Fingerprint string
	SeedErr     error
}

// Stats is a cheap summary for status output.
type Stats struct {
	Channels    int
	Entries     int
	Unseeded    int
	LastSaveErr error
}

type channelState struct {
	urls []string
	fps  map[string]string
	// seeding holds entries whose first extraction is still in flight,
	// keyed to the Add call that owns them. They are hidden from Snapshot.
	seeding map[string]uint64
}

// Registry is the in-memory source of truth for tracked entries. Every
// mutation writes the full snapshot through to the Store. The lock is never
// held across a network call.
type Registry struct {
	store     Store
	extractor Extractor
	bus       eventbus.Bus
	log       logx.Logger

	mu          sync.Mutex
	channels    map[int64]*channelState
	order       []int64
	seedSeq     uint64
	lastSaveErr error
}

type RegistryOption func(*Registry)

func WithBus(b eventbus.Bus) RegistryOption {
	return func(r *Registry) { r.bus = b }
}

func WithRegistryLogger(log logx.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(store Store, extractor Extractor, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:     store,
		extractor: extractor,
		channels:  map[int64]*channelState{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Load replaces the in-memory state with the store's snapshot. A store error
// still leaves the registry usable (empty).
func (r *Registry) Load() error {
	snap, err := r.store.Load()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = map[int64]*channelState{}
	r.order = nil
	for _, ch := range snap.Channels {
		for _, e := range ch.Entries {
			r.insertLocked(ch.ChannelID, e.URL, e.Fingerprint)
		}
	}
	if err != nil {
		r.log.Error("state load failed, starting empty", logx.Err(err))
		return err
	}
	return nil
}

// Add starts tracking url in a channel and seeds its fingerprint with one
// extraction attempt. Seeding failures leave the fingerprint empty.
func (r *Registry) Add(ctx context.Context, channelID int64, rawURL string) (AddResult, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return AddResult{}, err
	}

	r.mu.Lock()
	if r.hasLocked(channelID, u) {
		r.mu.Unlock()
		return AddResult{Outcome: AddAlreadyTracked, URL: u}, nil
	}
	r.insertLocked(channelID, u, "")
	r.seedSeq++
	token := r.seedSeq
	r.channels[channelID].seeding[u] = token
	r.persistLocked()
	r.mu.Unlock()

	r.publish(eventbus.TypeEntryAdded, EntryEvent{ChannelID: channelID, URL: u})
	r.log.Info("entry added", logx.Int64("channel_id", channelID), logx.String("url", u))

	res := AddResult{Outcome: AddAdded, URL: u}
	fp, err := r.seed(ctx, u)

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.channels[channelID]
	if st == nil || st.seeding[u] != token {
		// Removed (and possibly re-added) while we were fetching.
		res.SeedErr = err
		return res, nil
	}
	delete(st.seeding, u)
	if err != nil {
		res.SeedErr = err
		r.log.Warn("seed extraction failed", logx.Int64("channel_id", channelID), logx.String("url", u), logx.Err(err))
		return res, nil
	}
	if cur := st.fps[u]; cur != "" {
		res.Fingerprint = cur
		return res, nil
	}
	st.fps[u] = fp
	res.Fingerprint = fp
	if fp != "" {
		r.persistLocked()
	}
	return res, nil
}

// seed runs the first extraction. A panic becomes an error so the seeding
// mark is always cleared.
func (r *Registry) seed(ctx context.Context, u string) (fp string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("seed extraction panicked: %v", p)
		}
	}()
	return r.extractor.Extract(ctx, u)
}

// Remove drops the index-th (1-based) URL of a channel and returns it.
func (r *Registry) Remove(channelID int64, index int) (string, error) {
	r.mu.Lock()
	st := r.channels[channelID]
	if st == nil || len(st.urls) == 0 {
		r.mu.Unlock()
		return "", ErrNotFound
	}
	if index < 1 || index > len(st.urls) {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %d (have %d)", ErrInvalidIndex, index, len(st.urls))
	}
	u := st.urls[index-1]
	st.urls = append(st.urls[:index-1], st.urls[index:]...)
	delete(st.fps, u)
	delete(st.seeding, u)
	if len(st.urls) == 0 {
		r.pruneLocked(channelID)
	}
	r.persistLocked()
	r.mu.Unlock()

	r.publish(eventbus.TypeEntryRemoved, EntryEvent{ChannelID: channelID, URL: u})
	r.log.Info("entry removed", logx.Int64("channel_id", channelID), logx.String("url", u))
	return u, nil
}

// List returns the channel's URLs in insertion order.
func (r *Registry) List(channelID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.channels[channelID]
	if st == nil {
		return nil
	}
	return append([]string(nil), st.urls...)
}

// Entries returns the channel's entries in insertion order.
func (r *Registry) Entries(channelID int64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entriesLocked(channelID)
}

// Lookup returns the stored fingerprint for one entry.
func (r *Registry) Lookup(channelID int64, u string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.channels[channelID]
	if st == nil {
		return "", false
	}
	fp, ok := st.fps[u]
	return fp, ok
}

// UpdateFingerprint stores fp for an entry. It returns ErrNotFound when the
// entry was removed in the meantime and reports whether the value changed.
func (r *Registry) UpdateFingerprint(channelID int64, u, fp string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.channels[channelID]
	if st == nil {
		return false, ErrNotFound
	}
	cur, ok := st.fps[u]
	if !ok {
		return false, ErrNotFound
	}
	if cur == fp {
		return false, nil
	}
	st.fps[u] = fp
	r.persistLocked()
	return true, nil
}

// Snapshot copies the registry for a tick. Entries still being seeded by Add
// are left out so a tick cannot report their first fingerprint as a change.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{Channels: make([]ChannelEntries, 0, len(r.order))}
	for _, id := range r.order {
		st := r.channels[id]
		entries := make([]Entry, 0, len(st.urls))
		for _, u := range st.urls {
			if _, busy := st.seeding[u]; busy {
				continue
			}
			entries = append(entries, Entry{URL: u, Fingerprint: st.fps[u]})
		}
		if len(entries) == 0 {
			continue
		}
		snap.Channels = append(snap.Channels, ChannelEntries{ChannelID: id, Entries: entries})
	}
	return snap
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Channels: len(r.order), LastSaveErr: r.lastSaveErr}
	for _, st := range r.channels {
		s.Entries += len(st.urls)
		for _, fp := range st.fps {
			if fp == "" {
				s.Unseeded++
			}
		}
	}
	return s
}

func (r *Registry) hasLocked(channelID int64, u string) bool {
	st := r.channels[channelID]
	if st == nil {
		return false
	}
	_, ok := st.fps[u]
	return ok
}

func (r *Registry) insertLocked(channelID int64, u, fp string) {
	st := r.channels[channelID]
	if st == nil {
		st = &channelState{fps: map[string]string{}, seeding: map[string]uint64{}}
		r.channels[channelID] = st
		r.order = append(r.order, channelID)
	}
	if _, ok := st.fps[u]; !ok {
		st.urls = append(st.urls, u)
	}
	st.fps[u] = fp
}

func (r *Registry) pruneLocked(channelID int64) {
	delete(r.channels, channelID)
	for i, id := range r.order {
		if id == channelID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) entriesLocked(channelID int64) []Entry {
	st := r.channels[channelID]
	if st == nil {
		return nil
	}
	out := make([]Entry, 0, len(st.urls))
	for _, u := range st.urls {
		out = append(out, Entry{URL: u, Fingerprint: st.fps[u]})
	}
	return out
}

// persistLocked writes the snapshot. Failures are logged and reported on the
// bus; memory stays authoritative.
func (r *Registry) persistLocked() {
	snap := Snapshot{Channels: make([]ChannelEntries, 0, len(r.order))}
	for _, id := range r.order {
		snap.Channels = append(snap.Channels, ChannelEntries{ChannelID: id, Entries: r.entriesLocked(id)})
	}
	err := r.store.Save(snap)
	r.lastSaveErr = err
	if err == nil {
		return
	}
	r.log.Error("state save failed", logx.Err(err))
	path := ""
	if fs, ok := r.store.(*FileStore); ok {
		path = fs.Path()
	}
	r.publish(eventbus.TypePersistFailed, PersistFailure{Path: path, Error: err.Error()})
}

func (r *Registry) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// NormalizeURL trims the input and requires an absolute http(s) URL.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "<>")
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidURL, s)
	}
	return s, nil
}

// IsUserError reports whether err should be shown to the user as a reply
// rather than logged as a failure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidIndex) ||
		errors.Is(err, ErrDuplicate) || errors.Is(err, ErrInvalidURL)
}
