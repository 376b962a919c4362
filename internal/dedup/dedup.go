package dedup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultRetention is how long a relayed Message-ID is remembered.
const DefaultRetention = 30 * 24 * time.Hour

// Tracker remembers which Message-IDs have already been relayed, so a
// message left unseen on the server is not relayed again on the next scan.
// Entries are persisted as "id<TAB>unix-seconds" lines.
type Tracker struct {
	mu        sync.Mutex
	ids       map[string]time.Time
	file      string
	retention time.Duration
	now       func() time.Time
}

// NewTracker loads (or creates) a tracker backed by filePath. Entries
// older than retention are dropped and the file is rewritten without them.
func NewTracker(filePath string, retention time.Duration) (*Tracker, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create dedup dir: %w", err)
	}

	t := &Tracker{
		ids:       make(map[string]time.Time),
		file:      filePath,
		retention: retention,
		now:       time.Now,
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("open dedup file: %w", err)
	}

	cutoff := t.now().Add(-retention)
	expired := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, ts := parseLine(line)
		if !ts.IsZero() && ts.Before(cutoff) {
			expired++
			continue
		}
		if ts.IsZero() {
			ts = t.now()
		}
		t.ids[id] = ts
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dedup file: %w", err)
	}

	if expired > 0 {
		if err := t.compact(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// parseLine accepts "id<TAB>unix" and bare "id" lines.
func parseLine(line string) (string, time.Time) {
	id, rest, ok := strings.Cut(line, "\t")
	if !ok {
		return line, time.Time{}
	}
	sec, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return id, time.Time{}
	}
	return id, time.Unix(sec, 0)
}

func (t *Tracker) compact() error {
	tmp := t.file + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create dedup file: %w", err)
	}
	w := bufio.NewWriter(f)
	for id, ts := range t.ids {
		fmt.Fprintf(w, "%s\t%d\n", id, ts.Unix())
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write dedup file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close dedup file: %w", err)
	}
	if err := os.Rename(tmp, t.file); err != nil {
		return fmt.Errorf("replace dedup file: %w", err)
	}
	return nil
}

// Seen reports whether id has been marked.
func (t *Tracker) Seen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok
}

// MarkSeen records id and appends it to the file.
func (t *Tracker) MarkSeen(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.ids[id]; exists {
		return nil
	}
	now := t.now()
	t.ids[id] = now

	f, err := os.OpenFile(t.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dedup file for append: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s\t%d\n", id, now.Unix()); err != nil {
		return fmt.Errorf("write dedup id: %w", err)
	}
	return nil
}

// Count returns the number of tracked IDs.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}
