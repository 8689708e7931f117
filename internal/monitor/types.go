package monitor

import (
	"context"
	"time"
)

// Entry is one tracked URL. An empty Fingerprint means none is known yet.
type Entry struct {
	URL         string
	Fingerprint string
}

// ChannelEntries lists a channel's entries in insertion order.
type ChannelEntries struct {
	ChannelID int64
	Entries   []Entry
}

// Snapshot is a point-in-time copy of the registry, channels in insertion order.
type Snapshot struct {
	Channels []ChannelEntries
}

// Len returns the number of tracked entries.
func (s Snapshot) Len() int {
	n := 0
	for _, ch := range s.Channels {
		n += len(ch.Entries)
	}
	return n
}

// Channel returns the entries of one channel.
func (s Snapshot) Channel(id int64) ([]Entry, bool) {
	for _, ch := range s.Channels {
		if ch.ChannelID == id {
			return ch.Entries, true
		}
	}
	return nil, false
}

// ChangeEvent is emitted when a page's fingerprint changed.
type ChangeEvent struct {
	ChannelID   int64     `json:"channel_id"`
	URL         string    `json:"url"`
	Fingerprint string    `json:"fingerprint"`
	Previous    string    `json:"previous,omitempty"`
	At          time.Time `json:"at"`
}

// EntryEvent is published on the bus when an entry is added or removed.
type EntryEvent struct {
	ChannelID   int64  `json:"channel_id"`
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// PersistFailure is published on the bus when a snapshot could not be written.
type PersistFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Sink consumes change events. Implementations must not block for long.
type Sink interface {
	Deliver(ctx context.Context, ev ChangeEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev ChangeEvent) error

func (f SinkFunc) Deliver(ctx context.Context, ev ChangeEvent) error { return f(ctx, ev) }

// ChannelChecker reports whether a channel can currently receive notifications.
type ChannelChecker interface {
	ChannelReachable(ctx context.Context, channelID int64) bool
}
