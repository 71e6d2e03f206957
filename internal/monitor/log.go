// Package monitor implements the append-only event journal: every
// envelope the dispatcher emits is recorded regardless of handler
// outcome, queryable by event-name pattern and time window, with
// background retention trimming.
package monitor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/storage"
)

const keyPrefix = "mon:"

// Entry is one recorded emission.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Envelope  *envelope.Envelope `json:"envelope"`
}

// RetentionPolicy bounds how much journal history is kept. Either
// field may be zero to disable that bound.
type RetentionPolicy struct {
	MaxAge  time.Duration
	MaxKeys int
}

// Log is the monitor's storage-backed journal.
type Log struct {
	store storage.Store
	seq   uint64
	mu    sync.Mutex
}

func New(store storage.Store) *Log {
	l := &Log{store: store}
	// Resume numbering after the highest sequence already journaled, so a
	// restarted daemon appends instead of overwriting earlier entries.
	if raw, err := store.Scan([]byte(keyPrefix), -1); err == nil {
		for k := range raw {
			if len(k) != len(keyPrefix)+8 {
				continue
			}
			if seq := binary.BigEndian.Uint64([]byte(k[len(keyPrefix):])); seq > l.seq {
				l.seq = seq
			}
		}
	}
	return l
}

func seqKey(seq uint64) []byte {
	var buf [8 + len(keyPrefix)]byte
	copy(buf[:], keyPrefix)
	binary.BigEndian.PutUint64(buf[len(keyPrefix):], seq)
	return buf[:]
}

// Record appends env to the journal under a monotonically increasing
// sequence number. Safe to call regardless of whether any dispatcher
// handler for env.Event succeeded.
func (l *Log) Record(env *envelope.Envelope) error {
	seq := atomic.AddUint64(&l.seq, 1)
	entry := Entry{Seq: seq, Event: env.Event, Timestamp: time.Now().UTC().UnixNano(), Envelope: env}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("monitor: marshal entry: %w", err)
	}
	return l.store.Set(seqKey(seq), data)
}

// Query parameters for get_events.
type Query struct {
	Patterns []string
	Since    int64
	Until    int64
	Limit    int
	Reverse  bool
}

// Get returns entries matching q. It scans the whole journal prefix
// and applies the time window, patterns, ordering and limit in memory.
func (l *Log) Get(q Query) ([]Entry, error) {
	raw, err := l.store.Scan([]byte(keyPrefix), -1)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, data := range raw {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if q.Since != 0 && e.Timestamp < q.Since {
			continue
		}
		if q.Until != 0 && e.Timestamp > q.Until {
			continue
		}
		if len(q.Patterns) > 0 && !anyMatches(q.Patterns, e.Event) {
			continue
		}
		entries = append(entries, e)
	}

	reverseSortBySeq(entries, q.Reverse)
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return entries, nil
}

func reverseSortBySeq(entries []Entry, reverse bool) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			less := entries[j-1].Seq > entries[j].Seq
			if reverse {
				less = entries[j-1].Seq < entries[j].Seq
			}
			if less {
				entries[j-1], entries[j] = entries[j], entries[j-1]
			} else {
				break
			}
		}
	}
}

func anyMatches(patterns []string, event string) bool {
	for _, p := range patterns {
		if patternMatches(p, event) {
			return true
		}
	}
	return false
}

func patternMatches(pattern, event string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(event, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == event
}

// StartRetention runs trimming on an interval until ctx is cancelled,
// deleting entries older than policy.MaxAge and, if MaxKeys is set,
// the oldest surplus entries beyond that count.
func (l *Log) StartRetention(ctx context.Context, policy RetentionPolicy, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.trim(policy)
		}
	}
}

func (l *Log) trim(policy RetentionPolicy) {
	raw, err := l.store.Scan([]byte(keyPrefix), -1)
	if err != nil {
		return
	}
	type keyed = struct {
		key   string
		entry Entry
	}
	var all []keyed
	for k, data := range raw {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		all = append(all, keyed{key: k, entry: e})
	}

	cutoff := time.Now().Add(-policy.MaxAge).UTC().UnixNano()
	for _, item := range all {
		if policy.MaxAge > 0 && item.entry.Timestamp < cutoff {
			_ = l.store.Delete([]byte(item.key))
		}
	}

	if policy.MaxKeys > 0 && len(all) > policy.MaxKeys {
		reverseSortBySeqKeyed(all)
		surplus := len(all) - policy.MaxKeys
		for i := 0; i < surplus; i++ {
			_ = l.store.Delete([]byte(all[i].key))
		}
	}
}

func reverseSortBySeqKeyed(all []struct {
	key   string
	entry Entry
}) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j-1].entry.Seq > all[j].entry.Seq; j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}
}
