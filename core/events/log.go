package events

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"escrowledger/core/types"
)

// Record is a sequenced entry in the event log.
type Record struct {
	Sequence int64        `json:"sequence"`
	Event    *types.Event `json:"event"`
}

type payload interface {
	Event() *types.Event
}

// Sink durably stores records as they are appended to a Log.
type Sink interface {
	Append(Record) error
}

// Log is an in-memory, append-only event log. It keeps every emitted event in
// order and fans new records out to live subscribers. Sequences are strictly
// increasing but may skip numbers lost from an archive.
type Log struct {
	mu      sync.RWMutex
	records []Record
	subs    map[int]chan Record
	nextSub int
	sink    Sink
	// archived counts the leading records the sink has accepted.
	archived int
}

// NewLog constructs an empty log.
func NewLog() *Log {
	return &Log{subs: make(map[int]chan Record)}
}

// Emit implements Emitter. Events that do not carry a *types.Event payload are
// recorded with their type only.
func (l *Log) Emit(evt Event) {
	if l == nil || evt == nil {
		return
	}
	var raw *types.Event
	if p, ok := evt.(payload); ok {
		raw = p.Event().Clone()
	}
	if raw == nil {
		raw = &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec := Record{Sequence: l.lastSequence() + 1, Event: raw}
	l.records = append(l.records, rec)
	l.flushSink()
	for _, ch := range l.subs {
		// Slow subscribers miss live records; they can catch up with List.
		select {
		case ch <- Record{Sequence: rec.Sequence, Event: rec.Event.Clone()}:
		default:
		}
	}
}

// flushSink appends every record the sink has not accepted yet, oldest
// first. It stops at the first failure so the sink never sees a record
// before its predecessor; the next Emit retries from there.
func (l *Log) flushSink() {
	if l.sink == nil {
		return
	}
	for l.archived < len(l.records) {
		rec := l.records[l.archived]
		if err := l.sink.Append(rec); err != nil {
			slog.Default().Warn("event sink append failed",
				"sequence", rec.Sequence,
				"type", rec.Event.Type,
				"pending", len(l.records)-l.archived,
				"error", err)
			return
		}
		l.archived++
	}
}

func (l *Log) lastSequence() int64 {
	if len(l.records) == 0 {
		return 0
	}
	return l.records[len(l.records)-1].Sequence
}

// SetSink attaches a durable store. Records already in the log are treated
// as stored; records emitted afterwards are appended in sequence order.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	l.sink = s
	l.archived = len(l.records)
	l.mu.Unlock()
}

// Restore seeds an empty log with previously archived records so sequence
// numbers continue after the last one. Sequences must be positive and
// strictly increasing; missing numbers are logged and skipped.
func (l *Log) Restore(records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) != 0 {
		return fmt.Errorf("events: restore into non-empty log (%d records)", len(l.records))
	}
	var prev int64
	for _, rec := range records {
		if rec.Sequence <= prev {
			return fmt.Errorf("events: archived sequence %d does not follow %d", rec.Sequence, prev)
		}
		if rec.Event == nil {
			return fmt.Errorf("events: archived record %d has no event", rec.Sequence)
		}
		if rec.Sequence != prev+1 {
			slog.Default().Warn("gap in archived events", "from", prev+1, "to", rec.Sequence-1)
		}
		prev = rec.Sequence
	}
	l.records = cloneRecords(records)
	return nil
}

// indexAfter returns the position of the first record with a sequence
// greater than after.
func (l *Log) indexAfter(after int64) int {
	return sort.Search(len(l.records), func(i int) bool { return l.records[i].Sequence > after })
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, rec := range records {
		out[i] = Record{Sequence: rec.Sequence, Event: rec.Event.Clone()}
	}
	return out
}

// List returns up to limit records with a sequence greater than after. A
// non-positive limit returns everything.
func (l *Log) List(after int64, limit int) []Record {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := l.records[l.indexAfter(after):]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return cloneRecords(out)
}

// Len reports the number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Subscribe registers a live listener. The returned backlog contains every
// record after the cursor at the time of subscription; the cancel function
// must be called to release the channel.
func (l *Log) Subscribe(after int64, buffer int) (<-chan Record, []Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	backlog := cloneRecords(l.records[l.indexAfter(after):])
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, backlog, cancel
}
