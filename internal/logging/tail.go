package logging

import (
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultTailCapacity = 500
	defaultMaxFollowers = 32
	followerQueueSize   = 128
)

// ErrTooManyFollowers is returned by Follow once the follower limit is hit.
var ErrTooManyFollowers = errors.New("too many log followers")

// LogMessage is one captured log entry. Pool and Host are lifted out of the
// entry fields so readers can filter without digging into Fields.
type LogMessage struct {
	ID        uint64         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Pool      string         `json:"pool,omitempty"`
	Host      string         `json:"host,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type follower struct {
	min   log.Level
	queue chan LogMessage
}

// LogTail keeps the most recent log entries in a ring and fans new ones out
// to live followers. A follower that falls behind loses live entries but can
// catch up through FetchSince.
type LogTail struct {
	mu        sync.RWMutex
	ring      []LogMessage
	next      int
	full      bool
	lastID    uint64
	followers map[*follower]struct{}
	maxFollow int
}

// NewLogTail returns a tail holding up to capacity entries.
func NewLogTail(capacity int) *LogTail {
	if capacity <= 0 {
		capacity = defaultTailCapacity
	}
	return &LogTail{
		ring:      make([]LogMessage, capacity),
		followers: make(map[*follower]struct{}),
		maxFollow: defaultMaxFollowers,
	}
}

// Record stores an entry and hands it to every follower whose level admits it.
func (t *LogTail) Record(level log.Level, msg string, fields map[string]any) LogMessage {
	t.mu.Lock()
	t.lastID++
	m := LogMessage{
		ID:        t.lastID,
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		Fields:    fields,
	}
	if v, ok := fields["pool"].(string); ok {
		m.Pool = v
	}
	if v, ok := fields["addr"].(string); ok {
		m.Host = v
	} else if v, ok := fields["host"].(string); ok {
		m.Host = v
	}
	t.ring[t.next] = m
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
	for f := range t.followers {
		if level > f.min {
			continue
		}
		select {
		case f.queue <- m:
		default:
		}
	}
	t.mu.Unlock()
	return m
}

// ordered returns the ring contents oldest first. Caller holds t.mu.
func (t *LogTail) ordered() []LogMessage {
	if !t.full {
		return t.ring[:t.next]
	}
	out := make([]LogMessage, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	return append(out, t.ring[:t.next]...)
}

// FetchSince returns up to limit entries with an ID above cursor, the cursor
// to pass next time, and whether more entries are already waiting. A zero
// cursor returns the newest limit entries.
func (t *LogTail) FetchSince(cursor uint64, limit int) ([]LogMessage, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.ring) {
		limit = len(t.ring)
	}
	entries := t.ordered()
	start := sort.Search(len(entries), func(i int) bool { return entries[i].ID > cursor })
	if cursor == 0 && len(entries) > limit {
		start = len(entries) - limit
	}
	if start >= len(entries) {
		return []LogMessage{}, cursor, false
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}
	out := append([]LogMessage(nil), entries[start:end]...)
	return out, out[len(out)-1].ID, end < len(entries)
}

// Follow registers a live reader for entries at min or more severe. The
// returned stop func must be called once the reader is done.
func (t *LogTail) Follow(min log.Level) (<-chan LogMessage, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.followers) >= t.maxFollow {
		return nil, nil, ErrTooManyFollowers
	}
	f := &follower{min: min, queue: make(chan LogMessage, followerQueueSize)}
	t.followers[f] = struct{}{}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.followers, f)
			t.mu.Unlock()
		})
	}
	return f.queue, stop, nil
}

// Followers reports the number of live readers.
func (t *LogTail) Followers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.followers)
}

// TailHook feeds logrus entries into a LogTail.
type TailHook struct {
	tail *LogTail
}

func NewTailHook(t *LogTail) *TailHook { return &TailHook{tail: t} }

func (h *TailHook) Levels() []log.Level { return log.AllLevels }

func (h *TailHook) Fire(entry *log.Entry) error {
	fields := make(map[string]any, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}
	h.tail.Record(entry.Level, entry.Message, fields)
	return nil
}

// InstallTail attaches a fresh tail to the standard logger.
func InstallTail(capacity int) *LogTail {
	t := NewLogTail(capacity)
	log.AddHook(NewTailHook(t))
	return t
}
