package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "linkwatch/pkg/logx"
)

var errClosed = errors.New("store closed")

// fileStore keeps two files next to cfg.Path:
//
//	<name>.audit.jsonl  append-only audit trail, one JSON object per line
//	<name>.dedup.json   live dedup marks, rewritten atomically on each put
//
// Dedup marks live for one notifier window, so the map stays small and each
// put rewrites the whole file.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	audit     *os.File
	auditPath string
	dedupPath string
	dedup     map[string]time.Time
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	stem := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{
		log:       log,
		auditPath: stem + ".audit.jsonl",
		dedupPath: stem + ".dedup.json",
		dedup:     map[string]time.Time{},
	}
	f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.audit = f
	if err := s.loadDedup(); err != nil {
		log.Warn("dedup marks unreadable, starting empty", logx.String("path", s.dedupPath), logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil
	}
	err := s.audit.Close()
	s.audit = nil
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errClosed
	}
	_, err = s.audit.Write(append(line, '\n'))
	return err
}

// RecentAudit reads the whole trail and keeps only the last limit matches.
func (s *fileStore) RecentAudit(ctx context.Context, chatID int64, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil, errClosed
	}
	f, err := os.Open(s.auditPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tail := make([]AuditEntry, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if chatID != 0 && e.ChatID != chatID {
			continue
		}
		if len(tail) == limit {
			tail = append(tail[:0], tail[1:]...)
		}
		tail = append(tail, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errClosed
	}
	s.dedup[key] = until.Truncate(time.Millisecond)
	return s.saveDedupLocked()
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func (s *fileStore) loadDedup() error {
	b, err := os.ReadFile(s.dedupPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var marks map[string]int64
	if err := json.Unmarshal(b, &marks); err != nil {
		return err
	}
	now := time.Now()
	for k, ms := range marks {
		if until := time.UnixMilli(ms); until.After(now) {
			s.dedup[k] = until
		}
	}
	return nil
}

// saveDedupLocked drops expired marks and rewrites the file via rename.
func (s *fileStore) saveDedupLocked() error {
	now := time.Now()
	marks := make(map[string]int64, len(s.dedup))
	for k, until := range s.dedup {
		if until.Before(now) {
			delete(s.dedup, k)
			continue
		}
		marks[k] = until.UnixMilli()
	}
	b, err := json.Marshal(marks)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.dedupPath), ".dedup-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.dedupPath)
}
