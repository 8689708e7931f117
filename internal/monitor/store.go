package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"linkwatch/pkg/logx"
)

// DefaultStateFile is the state file name used when none is configured.
const DefaultStateFile = "monitoramento.json"

// Store persists registry snapshots.
type Store interface {
	Load() (Snapshot, error)
	Save(s Snapshot) error
}

// FileStore keeps the snapshot in a single JSON file:
//
//	{
//	    "42": {
//	        "http://example.com/a": "http://example.com/a/1",
//	        "http://example.com/b": null
//	    }
//	}
//
// Keys keep insertion order. Saves go to a temp file in the same directory
// which is synced and renamed over the target, so a failed save never leaves
// a truncated file behind.
type FileStore struct {
	path string
	log  logx.Logger

	mu sync.Mutex // serializes saves
}

func NewFileStore(path string, log logx.Logger) *FileStore {
	if strings.TrimSpace(path) == "" {
		path = DefaultStateFile
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileStore{path: path, log: log}
}

func (s *FileStore) Path() string { return s.path }

// Load reads the snapshot. A missing file yields an empty snapshot and no error.
// An unreadable or corrupt file yields an empty snapshot and an ErrPersistence error;
// a corrupt file is moved aside so the next save does not destroy it.
func (s *FileStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("state file not found, starting empty", logx.String("path", s.path))
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read %s: %v", ErrPersistence, s.path, err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if rerr := os.Rename(s.path, aside); rerr != nil {
			s.log.Warn("could not move corrupt state file aside", logx.String("path", s.path), logx.Err(rerr))
		} else {
			s.log.Warn("corrupt state file moved aside", logx.String("path", s.path), logx.String("aside", aside))
		}
		return Snapshot{}, fmt.Errorf("%w: parse %s: %v", ErrPersistence, s.path, err)
	}
	s.log.Info("state loaded", logx.String("path", s.path), logx.Int("channels", len(snap.Channels)), logx.Int("entries", snap.Len()))
	return snap, nil
}

func (s *FileStore) Save(snap Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, s.path, err)
	}
	s.log.Debug("state saved", logx.String("path", s.path), logx.Int("entries", snap.Len()))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// encodeSnapshot writes the ordered object by hand; encoding/json sorts map keys.
func encodeSnapshot(snap Snapshot) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, ch := range snap.Channels {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, strconv.FormatInt(ch.ChannelID, 10))
		b.WriteString(":{")
		for j, e := range ch.Entries {
			if j > 0 {
				b.WriteByte(',')
			}
			writeJSONString(&b, e.URL)
			b.WriteByte(':')
			if e.Fingerprint == "" {
				b.WriteString("null")
			} else {
				writeJSONString(&b, e.Fingerprint)
			}
		}
		b.WriteByte('}')
	}
	b.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, b.Bytes(), "", "    "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func writeJSONString(b *bytes.Buffer, s string) {
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // strings always encode
	b.Truncate(b.Len() - 1) // drop the encoder's newline
}

// decodeSnapshot streams tokens so per-channel URL order survives the round trip.
func decodeSnapshot(data []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	index := map[int64]int{}
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return Snapshot{}, err
		}
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("channel key %q is not an integer", key)
		}
		pos, seen := index[id]
		if !seen {
			pos = len(snap.Channels)
			index[id] = pos
			snap.Channels = append(snap.Channels, ChannelEntries{ChannelID: id})
		}

		if err := expectDelim(dec, '{'); err != nil {
			return Snapshot{}, fmt.Errorf("channel %s: %w", key, err)
		}
		for dec.More() {
			url, err := stringToken(dec)
			if err != nil {
				return Snapshot{}, err
			}
			var fp *string
			if err := dec.Decode(&fp); err != nil {
				return Snapshot{}, fmt.Errorf("channel %s url %q: %w", key, url, err)
			}
			e := Entry{URL: url}
			if fp != nil {
				e.Fingerprint = *fp
			}
			snap.Channels[pos].Entries = upsertEntry(snap.Channels[pos].Entries, e)
		}
		if err := expectDelim(dec, '}'); err != nil {
			return Snapshot{}, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return Snapshot{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Snapshot{}, fmt.Errorf("trailing data after snapshot")
	}

	// Channels without entries are never persisted; drop any that sneak in.
	out := snap.Channels[:0]
	for _, ch := range snap.Channels {
		if len(ch.Entries) > 0 {
			out = append(out, ch)
		}
	}
	snap.Channels = out
	return snap, nil
}

func upsertEntry(entries []Entry, e Entry) []Entry {
	for i := range entries {
		if entries[i].URL == e.URL {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected string key, got %v", tok)
	}
	return s, nil
}
