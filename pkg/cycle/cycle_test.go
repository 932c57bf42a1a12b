package cycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flightdesk/flightsync/pkg/document"
	"github.com/flightdesk/flightsync/pkg/extract"
	"github.com/flightdesk/flightsync/pkg/flight"
	"github.com/flightdesk/flightsync/pkg/portal"
	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/storage"
	"github.com/flightdesk/flightsync/pkg/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fields(kv ...string) *document.Map {
	m := document.NewMap()
	for i := 0; i+1 < len(kv); i += 2 {
		m.SetString(kv[i], kv[i+1])
	}
	return m
}

func row(cat flight.Category, key string, kv ...string) extract.Row {
	return extract.Row{Category: cat, Key: flight.Key(key), Fields: fields(kv...)}
}

// fakePortal replays canned rows per source name.
type fakePortal struct {
	rows map[string][]extract.Row
	errs map[string]error
	seen []string
}

func (f *fakePortal) FetchSource(_ context.Context, src portal.Source, sink portal.RowSink) (*portal.SourceResult, error) {
	f.seen = append(f.seen, src.Name)
	if err := f.errs[src.Name]; err != nil {
		return nil, err
	}
	for _, r := range f.rows[src.Name] {
		sink(r)
	}
	return &portal.SourceResult{Source: src, Pages: 1, Rows: len(f.rows[src.Name])}, nil
}

type pushCall struct {
	cat  flight.Category
	keys []flight.Key
	docs []string
}

type fakePusher struct {
	mu       sync.Mutex
	calls    []pushCall
	failKeys map[flight.Key]bool
	failAt   map[int]bool // batch call index
}

func (f *fakePusher) Push(_ context.Context, cat flight.Category, key flight.Key, doc *document.Map) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := doc.MarshalJSON()
	f.calls = append(f.calls, pushCall{cat: cat, keys: []flight.Key{key}, docs: []string{string(b)}})
	if f.failKeys[key] {
		return syncer.ErrTimeout
	}
	return nil
}

func (f *fakePusher) PushBatch(_ context.Context, cat flight.Category, docs []syncer.Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := pushCall{cat: cat}
	for _, d := range docs {
		b, _ := d.Fields.MarshalJSON()
		c.keys = append(c.keys, d.Key)
		c.docs = append(c.docs, string(b))
	}
	idx := len(f.calls)
	f.calls = append(f.calls, c)
	if f.failAt[idx] {
		return syncer.ErrNotReady
	}
	return nil
}

type fakePublisher struct {
	events   []string
	types    []string
	lastSync []time.Time
}

func (f *fakePublisher) Event(_ context.Context, typ, message string) error {
	f.types = append(f.types, typ)
	f.events = append(f.events, message)
	return nil
}

func (f *fakePublisher) LastSync(_ context.Context, t time.Time) error {
	f.lastSync = append(f.lastSync, t)
	return nil
}

var (
	depSource     = portal.Source{Name: "dep", Category: "Departure", SubCategory: "International"}
	checkInSource = portal.Source{Name: "chk", Category: "CheckIn"}
	arrSource     = portal.Source{Name: "arr", Category: "Arrival"}
)

func TestRunPushesMergedRecords(t *testing.T) {
	fp := &fakePortal{
		rows: map[string][]extract.Row{
			"dep": {
				row(flight.Departure, "2601310810_QR345", "SubCat", "International", "stm", "2601310810", "flnr", "QR 345", "gat1", "A3"),
			},
			"chk": {
				row(flight.Departure, "2601310810_QR345", "stm", "2601310810", "flnr", "QR 345", "ckco", "14", "crem", "Open", "crem_lu", "کھلا"),
			},
		},
		errs: map[string]error{"arr": portal.ErrSessionMissing},
	}
	pusher := &fakePusher{}
	pub := &fakePublisher{}
	board := status.NewBoard()

	res, err := Run(context.Background(), Config{
		Sources:   []portal.Source{depSource, checkInSource, arrSource},
		Portal:    fp,
		Engine:    pusher,
		Publisher: pub,
		Status:    board,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"dep", "chk", "arr"}, fp.seen)
	assert.Equal(t, 2, res.SourcesOK)
	assert.Equal(t, 1, res.SourcesFailed)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 1, res.Records[flight.Departure])
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, "partial", res.Status())
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], portal.ErrSessionMissing)

	require.Len(t, pusher.calls, 1)
	assert.Equal(t, flight.Departure, pusher.calls[0].cat)
	assert.Equal(t, []flight.Key{"2601310810_QR345"}, pusher.calls[0].keys)
	assert.JSONEq(t,
		`{"stm":"2601310810","flnr":"QR 345","gat1":"A3","ckco":{"14":["Open","کھلا"]},"SubCat":"International"}`,
		pusher.calls[0].docs[0])

	require.Len(t, pub.lastSync, 1)
	assert.Equal(t, []string{status.EventSync}, pub.types)
	assert.Contains(t, pub.events[0], "1 flights synced")
	assert.Equal(t, status.IconDone, board.Snapshot().Icon)
}

func TestRunBatchesInChunks(t *testing.T) {
	fp := &fakePortal{rows: map[string][]extract.Row{
		"arr": {
			row(flight.Arrival, "2601310500_EK612", "stm", "2601310500", "flnr", "EK 612"),
			row(flight.Arrival, "2601310530_PK301", "stm", "2601310530", "flnr", "PK 301"),
			row(flight.Arrival, "2601310600_QR632", "stm", "2601310600", "flnr", "QR 632"),
		},
	}}
	pusher := &fakePusher{failAt: map[int]bool{1: true}}
	pub := &fakePublisher{}

	res, err := Run(context.Background(), Config{
		Sources:   []portal.Source{arrSource},
		Portal:    fp,
		Engine:    pusher,
		Publisher: pub,
		Batch:     true,
		BatchSize: 2,
	})
	require.NoError(t, err)

	require.Len(t, pusher.calls, 2)
	assert.Equal(t, []flight.Key{"2601310500_EK612", "2601310530_PK301"}, pusher.calls[0].keys)
	assert.Equal(t, []flight.Key{"2601310600_QR632"}, pusher.calls[1].keys)
	assert.Equal(t, 2, res.Pushed)
	assert.Equal(t, 1, res.PushFailures)
	assert.Equal(t, "partial", res.Status())
	assert.ErrorIs(t, res.Errors[0], syncer.ErrNotReady)
}

func TestRunSkipsEmptyDocuments(t *testing.T) {
	fp := &fakePortal{rows: map[string][]extract.Row{
		"arr": {
			row(flight.Arrival, "2601310500_EK612", "stm", "2601310500", "flnr", "EK 612"),
			row(flight.Arrival, "2601310700_XX1", "unmanaged", "x"),
		},
	}}
	pusher := &fakePusher{}

	res, err := Run(context.Background(), Config{Sources: []portal.Source{arrSource}, Portal: fp, Engine: pusher})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records[flight.Arrival])
	require.Len(t, pusher.calls, 1)
	assert.Equal(t, []flight.Key{"2601310500_EK612"}, pusher.calls[0].keys)
	assert.Equal(t, "ok", res.Status())
}

func TestRunAllPushesFailing(t *testing.T) {
	fp := &fakePortal{rows: map[string][]extract.Row{
		"arr": {row(flight.Arrival, "2601310500_EK612", "stm", "2601310500", "flnr", "EK 612")},
	}}
	pusher := &fakePusher{failKeys: map[flight.Key]bool{"2601310500_EK612": true}}
	pub := &fakePublisher{}
	board := status.NewBoard()

	res, err := Run(context.Background(), Config{Sources: []portal.Source{arrSource}, Portal: fp, Engine: pusher, Publisher: pub, Status: board})
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status())
	assert.Empty(t, pub.lastSync)
	assert.Equal(t, []string{status.EventError}, pub.types)
	assert.Equal(t, status.IconError, board.Snapshot().Icon)
}

func TestRunDryRun(t *testing.T) {
	fp := &fakePortal{rows: map[string][]extract.Row{
		"arr": {row(flight.Arrival, "2601310500_EK612", "stm", "2601310500", "flnr", "EK 612", "blt1", "")},
	}}
	pub := &fakePublisher{}
	var got []string

	res, err := Run(context.Background(), Config{
		Sources:   []portal.Source{arrSource},
		Portal:    fp,
		Publisher: pub,
		DryRun:    true,
		OnRecord: func(cat flight.Category, key flight.Key, doc *document.Map) {
			b, _ := doc.MarshalJSON()
			got = append(got, string(cat)+"/"+string(key)+" "+string(b))
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`Arrival/2601310500_EK612 {"stm":"2601310500","flnr":"EK 612"}`}, got)
	assert.Zero(t, res.Pushed)
	assert.Empty(t, pub.types)
}

func TestRunRecordsHistory(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fp := &fakePortal{rows: map[string][]extract.Row{
		"arr": {row(flight.Arrival, "2601310500_EK612", "stm", "2601310500", "flnr", "EK 612")},
	}}
	pkt := time.FixedZone("PKT", 5*60*60)
	cfg := Config{Sources: []portal.Source{arrSource}, Portal: fp, Engine: &fakePusher{}, DB: db, Location: pkt}

	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "added", res.Changes[0].ChangeType)

	// Same document again: nothing changed.
	res2, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, res2.Changes)

	snap, ok, err := db.GetSnapshot(context.Background(), "Arrival", "2601310500_EK612")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, snap.Pushed)
	assert.True(t, snap.ScheduledAt.Equal(time.Date(2026, 1, 31, 5, 0, 0, 0, pkt)), "scheduled at %s", snap.ScheduledAt)
	assert.JSONEq(t, `{"stm":"2601310500","flnr":"EK 612"}`, snap.Document)

	runs, err := db.ListRecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "ok", runs[0].Status)
	assert.Equal(t, 1, runs[0].Pushed)
}

func TestRunRejectsIncompleteConfig(t *testing.T) {
	_, err := Run(context.Background(), Config{})
	assert.Error(t, err)

	_, err = Run(context.Background(), Config{Portal: &fakePortal{}})
	assert.True(t, errors.Is(err, ErrNoPusher))
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fp := &fakePortal{}

	res, err := Run(ctx, Config{Sources: []portal.Source{depSource, arrSource}, Portal: fp, Engine: &fakePusher{}})
	require.NoError(t, err)
	assert.Empty(t, fp.seen)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], context.Canceled)
}
