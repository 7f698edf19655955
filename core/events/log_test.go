package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowledger/core/types"
)

func typed(kind string) Typed {
	return Typed{Evt: &types.Event{Type: kind, Attributes: map[string]string{"k": kind}}}
}

func TestLogSequencesEvents(t *testing.T) {
	log := NewLog()
	log.Emit(typed("escrow.new"))
	log.Emit(typed("escrow.deposit"))
	log.Emit(typed("escrow.complete"))

	all := log.List(0, 0)
	require.Len(t, all, 3)
	require.Equal(t, int64(1), all[0].Sequence)
	require.Equal(t, "escrow.complete", all[2].Event.Type)

	page := log.List(1, 1)
	require.Len(t, page, 1)
	require.Equal(t, "escrow.deposit", page[0].Event.Type)

	require.Empty(t, log.List(3, 0))
}

func TestLogListReturnsCopies(t *testing.T) {
	log := NewLog()
	log.Emit(typed("escrow.new"))
	got := log.List(0, 0)
	got[0].Event.Attributes["k"] = "tampered"
	require.Equal(t, "escrow.new", log.List(0, 0)[0].Event.Attributes["k"])
}

func TestLogSubscribeDeliversBacklogAndLive(t *testing.T) {
	log := NewLog()
	log.Emit(typed("escrow.new"))

	ch, backlog, cancel := log.Subscribe(0, 4)
	defer cancel()
	require.Len(t, backlog, 1)

	log.Emit(typed("escrow.cancel"))
	rec := <-ch
	require.Equal(t, int64(2), rec.Sequence)
	require.Equal(t, "escrow.cancel", rec.Event.Type)
}

func TestLogCancelClosesChannel(t *testing.T) {
	log := NewLog()
	ch, _, cancel := log.Subscribe(0, 1)
	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	log.Emit(typed("escrow.new"))
	require.Equal(t, 1, log.Len())
}

type memorySink struct {
	records []Record
}

func (m *memorySink) Append(rec Record) error {
	m.records = append(m.records, rec)
	return nil
}

func TestLogAppendsToSink(t *testing.T) {
	log := NewLog()
	sink := &memorySink{}
	log.Emit(typed("escrow.new"))
	log.SetSink(sink)
	log.Emit(typed("escrow.deposit"))

	require.Len(t, sink.records, 1)
	require.Equal(t, int64(2), sink.records[0].Sequence)
	require.Equal(t, "escrow.deposit", sink.records[0].Event.Type)
}

func TestLogRestoreContinuesSequence(t *testing.T) {
	log := NewLog()
	archived := []Record{
		{Sequence: 1, Event: &types.Event{Type: "escrow.new"}},
		{Sequence: 2, Event: &types.Event{Type: "escrow.deposit"}},
	}
	require.NoError(t, log.Restore(archived))
	log.Emit(typed("escrow.complete"))

	all := log.List(0, 0)
	require.Len(t, all, 3)
	require.Equal(t, int64(3), all[2].Sequence)
	require.Error(t, log.Restore(archived), "restore must only seed an empty log")
}

func TestLogRestoreSkipsGapsAndContinuesNumbering(t *testing.T) {
	log := NewLog()
	require.NoError(t, log.Restore([]Record{
		{Sequence: 2, Event: &types.Event{Type: "escrow.new"}},
		{Sequence: 5, Event: &types.Event{Type: "escrow.cancel"}},
	}))
	log.Emit(typed("escrow.new"))

	all := log.List(0, 0)
	require.Len(t, all, 3)
	require.Equal(t, int64(6), all[2].Sequence)

	after := log.List(2, 0)
	require.Len(t, after, 2)
	require.Equal(t, int64(5), after[0].Sequence)
	require.Len(t, log.List(3, 0), 2)
	require.Empty(t, log.List(6, 0))
}

func TestLogRestoreRejectsUnorderedSequences(t *testing.T) {
	for _, records := range [][]Record{
		{{Sequence: 0, Event: &types.Event{Type: "escrow.new"}}},
		{{Sequence: 2, Event: &types.Event{Type: "escrow.new"}}, {Sequence: 2, Event: &types.Event{Type: "escrow.new"}}},
		{{Sequence: 3, Event: &types.Event{Type: "escrow.new"}}, {Sequence: 1, Event: &types.Event{Type: "escrow.new"}}},
	} {
		log := NewLog()
		require.Error(t, log.Restore(records))
		require.Zero(t, log.Len())
	}
}

type failOnceSink struct {
	memorySink
	failed bool
}

func (f *failOnceSink) Append(rec Record) error {
	if !f.failed {
		f.failed = true
		return errors.New("archive unavailable")
	}
	return f.memorySink.Append(rec)
}

func TestLogResendsRecordsAfterSinkFailure(t *testing.T) {
	log := NewLog()
	sink := &failOnceSink{}
	log.SetSink(sink)

	log.Emit(typed("escrow.new"))
	require.Empty(t, sink.records)

	log.Emit(typed("escrow.cancel"))
	require.Len(t, sink.records, 2)
	require.Equal(t, int64(1), sink.records[0].Sequence)
	require.Equal(t, "escrow.new", sink.records[0].Event.Type)
	require.Equal(t, int64(2), sink.records[1].Sequence)
}

func TestLogSubscribeReturnsCopies(t *testing.T) {
	log := NewLog()
	log.Emit(typed("escrow.new"))

	ch, backlog, cancel := log.Subscribe(0, 1)
	defer cancel()
	backlog[0].Event.Attributes["k"] = "tampered"

	log.Emit(typed("escrow.cancel"))
	live := <-ch
	live.Event.Attributes["k"] = "tampered"

	all := log.List(0, 0)
	require.Equal(t, "escrow.new", all[0].Event.Attributes["k"])
	require.Equal(t, "escrow.cancel", all[1].Event.Attributes["k"])
}
