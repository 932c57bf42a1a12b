// Package cycle runs one scrape → aggregate → filter → sync pass over every
// configured portal source.
package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flightdesk/flightsync/pkg/aggregate"
	"github.com/flightdesk/flightsync/pkg/document"
	"github.com/flightdesk/flightsync/pkg/extract"
	"github.com/flightdesk/flightsync/pkg/flight"
	"github.com/flightdesk/flightsync/pkg/metrics"
	"github.com/flightdesk/flightsync/pkg/portal"
	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/storage"
	"github.com/flightdesk/flightsync/pkg/syncer"
	"github.com/google/uuid"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// nopLogger silently discards all messages.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Fetcher scrapes one portal source.
type Fetcher interface {
	FetchSource(ctx context.Context, src portal.Source, sink portal.RowSink) (*portal.SourceResult, error)
}

// Pusher delivers filtered documents to the remote store.
type Pusher interface {
	Push(ctx context.Context, cat flight.Category, key flight.Key, doc *document.Map) error
	PushBatch(ctx context.Context, cat flight.Category, docs []syncer.Doc) error
}

// Publisher announces cycle outcomes to the monitor UI.
type Publisher interface {
	Event(ctx context.Context, typ, message string) error
	LastSync(ctx context.Context, t time.Time) error
}

var (
	ErrNoPusher       = errors.New("cycle: a pusher is required unless running dry")
	ErrBudgetExceeded = errors.New("cycle: scrape budget exhausted")
)

// Config holds everything Run needs for a single cycle.
type Config struct {
	Sources   []portal.Source
	Portal    Fetcher
	Engine    Pusher            // required unless DryRun
	DB        *storage.DB       // optional; nil = no history
	Publisher Publisher         // optional
	Status    portal.StatusSink // optional
	Log       Logger            // optional; nil = no logging

	Batch     bool
	BatchSize int // documents per batch write; <= 0 means one write per category

	// Budget bounds the scrape phase. Sources still running or not yet
	// started when it runs out count as failed; pushes are not bounded by
	// it. <= 0 means no limit.
	Budget time.Duration

	// Location is the zone portal schedule times are in. Nil means UTC.
	Location *time.Location

	// DryRun skips every remote write. Documents are still filtered and
	// handed to OnRecord.
	DryRun bool

	// OnRecord is called for every filtered, non-empty document in category
	// order. Nil = no callback.
	OnRecord func(cat flight.Category, key flight.Key, doc *document.Map)
}

// Result holds the outcome of one cycle.
type Result struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    time.Time
	SourcesOK     int
	SourcesFailed int
	Rows          int
	Dropped       int
	Records       map[flight.Category]int
	Pushed        int
	PushFailures  int
	Changes       []storage.Change
	Errors        []error // non-fatal errors
}

// TotalRecords sums Records over all categories.
func (r *Result) TotalRecords() int {
	n := 0
	for _, c := range r.Records {
		n += c
	}
	return n
}

// Status classifies the cycle: "ok", "partial" or "failed".
func (r *Result) Status() string {
	switch {
	case r.SourcesOK == 0 && r.SourcesFailed > 0:
		return "failed"
	case r.PushFailures > 0 && r.Pushed == 0:
		return "failed"
	case r.SourcesFailed > 0 || r.PushFailures > 0:
		return "partial"
	}
	return "ok"
}

type pendingDoc struct {
	key flight.Key
	doc *document.Map
}

// Run executes one cycle. Source and push failures are collected in the
// result; the returned error is reserved for an unusable Config.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Portal == nil {
		return nil, errors.New("cycle: no portal fetcher")
	}
	if cfg.Engine == nil && !cfg.DryRun {
		return nil, ErrNoPusher
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	setStatus := func(msg, icon string) {
		if cfg.Status != nil {
			cfg.Status.SetStatus(msg, icon)
		}
	}

	timer := metrics.NewTimer()
	result := &Result{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Records:   make(map[flight.Category]int),
	}

	agg := aggregate.New()
	defer agg.Reset()

	scrapeCtx := ctx
	if cfg.Budget > 0 {
		var cancel context.CancelFunc
		scrapeCtx, cancel = context.WithTimeout(ctx, cfg.Budget)
		defer cancel()
	}

	// Scrape every source into the aggregator, one after the other.
	for i, src := range cfg.Sources {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			break
		}
		if scrapeCtx.Err() != nil {
			budgetExhausted(cfg, len(cfg.Sources)-i, result, log)
			break
		}
		setStatus(fmt.Sprintf("Fetching %s", src), status.IconSync)

		res, err := cfg.Portal.FetchSource(scrapeCtx, src, func(row extract.Row) {
			agg.Merge(row.Category, row.Key, row.Fields)
		})
		if res != nil {
			result.Rows += res.Rows
			result.Dropped += res.Dropped
		}
		if err != nil {
			result.SourcesFailed++
			result.Errors = append(result.Errors, err)
			log.Warnf("Skipping source %s: %v", src, err)
			if ctx.Err() == nil && (scrapeCtx.Err() != nil || errors.Is(err, portal.ErrDeadline)) {
				budgetExhausted(cfg, len(cfg.Sources)-i-1, result, log)
				break
			}
			continue
		}
		result.SourcesOK++
		log.Infof("Fetched %s: %d pages, %d rows (%d dropped)", src, res.Pages, res.Rows, res.Dropped)
	}

	// Filter and deliver per category.
	var snaps []storage.Snapshot
	for _, cat := range agg.Categories() {
		var docs []pendingDoc
		for _, e := range agg.Records(cat) {
			doc := flight.Filter(e.Record)
			if doc.Len() == 0 {
				log.Debugf("Nothing to send for %s/%s", cat, e.Key)
				continue
			}
			docs = append(docs, pendingDoc{key: e.Key, doc: doc})
			if cfg.OnRecord != nil {
				cfg.OnRecord(cat, e.Key, doc)
			}
		}
		result.Records[cat] = len(docs)
		if len(docs) == 0 {
			continue
		}

		pushed := make(map[flight.Key]bool, len(docs))
		if !cfg.DryRun {
			setStatus(fmt.Sprintf("Syncing %d %s flights", len(docs), cat), status.IconSync)
			deliver(ctx, cfg, cat, docs, pushed, result, log)
		}

		if cfg.DB != nil {
			for _, d := range docs {
				b, err := json.Marshal(d.doc)
				if err != nil {
					result.Errors = append(result.Errors, err)
					continue
				}
				snap := storage.Snapshot{Category: string(cat), FlightKey: string(d.key), Document: string(b), Pushed: pushed[d.key]}
				if at, err := d.key.Time(cfg.Location); err == nil {
					snap.ScheduledAt = at
				}
				snaps = append(snaps, snap)
			}
		}
	}

	if cfg.DB != nil && len(snaps) > 0 {
		changes, err := cfg.DB.UpsertSnapshots(ctx, result.RunID, snaps)
		if err != nil {
			log.Warnf("Could not record flight history: %v", err)
			result.Errors = append(result.Errors, err)
		}
		result.Changes = changes
		for _, c := range changes {
			log.Infof("Flight %s %s/%s", c.ChangeType, c.Category, c.FlightKey)
		}
	}

	result.FinishedAt = time.Now().UTC()
	summary := fmt.Sprintf("%d flights synced, %d failed, %d/%d sources", result.Pushed, result.PushFailures, result.SourcesOK, len(cfg.Sources))

	if !cfg.DryRun && cfg.Publisher != nil {
		if result.Pushed > 0 {
			if err := cfg.Publisher.LastSync(ctx, result.FinishedAt); err != nil {
				log.Warnf("Could not publish last sync time: %v", err)
				result.Errors = append(result.Errors, err)
			}
		}
		typ := status.EventSync
		if result.Status() == "failed" {
			typ = status.EventError
		}
		if err := cfg.Publisher.Event(ctx, typ, summary); err != nil {
			log.Warnf("Could not publish sync event: %v", err)
			result.Errors = append(result.Errors, err)
		}
	}

	if cfg.DB != nil {
		run := storage.Run{
			ID:            result.RunID,
			StartedAt:     result.StartedAt,
			FinishedAt:    result.FinishedAt,
			SourcesOK:     result.SourcesOK,
			SourcesFailed: result.SourcesFailed,
			Rows:          result.Rows,
			Records:       result.TotalRecords(),
			Pushed:        result.Pushed,
			PushFailures:  result.PushFailures,
			Status:        result.Status(),
		}
		if err := cfg.DB.RecordRun(ctx, run); err != nil {
			log.Warnf("Could not record run %s: %v", result.RunID, err)
		}
	}

	timer.ObserveDuration(metrics.CycleDuration)
	metrics.Cycles.WithLabelValues(result.Status()).Inc()
	metrics.LastCycle.Set(float64(result.FinishedAt.Unix()))

	if result.Status() == "failed" {
		setStatus("Cycle failed: "+summary, status.IconError)
	} else {
		setStatus("Idle - "+summary, status.IconDone)
	}
	return result, nil
}

// budgetExhausted counts the skipped sources as failed.
func budgetExhausted(cfg Config, skipped int, result *Result, log Logger) {
	result.SourcesFailed += skipped
	result.Errors = append(result.Errors, fmt.Errorf("%w after %s: %d sources not fetched", ErrBudgetExceeded, cfg.Budget, skipped))
	log.Warnf("Scrape budget of %s used up, skipping %d remaining sources", cfg.Budget, skipped)
}

// deliver pushes docs either per flight or in BatchSize chunks and records
// which keys made it.
func deliver(ctx context.Context, cfg Config, cat flight.Category, docs []pendingDoc, pushed map[flight.Key]bool, result *Result, log Logger) {
	if !cfg.Batch {
		for _, d := range docs {
			if err := cfg.Engine.Push(ctx, cat, d.key, d.doc); err != nil {
				result.PushFailures++
				result.Errors = append(result.Errors, err)
				log.Debugf("Push %s/%s failed: %v", cat, d.key, err)
				continue
			}
			pushed[d.key] = true
			result.Pushed++
		}
		return
	}

	size := cfg.BatchSize
	if size <= 0 || size > len(docs) {
		size = len(docs)
	}
	for start := 0; start < len(docs); start += size {
		end := start + size
		if end > len(docs) {
			end = len(docs)
		}
		chunk := make([]syncer.Doc, 0, end-start)
		for _, d := range docs[start:end] {
			chunk = append(chunk, syncer.Doc{Key: d.key, Fields: d.doc})
		}
		if err := cfg.Engine.PushBatch(ctx, cat, chunk); err != nil {
			result.PushFailures += len(chunk)
			result.Errors = append(result.Errors, err)
			log.Warnf("Batch of %d %s flights failed: %v", len(chunk), cat, err)
			continue
		}
		for _, d := range chunk {
			pushed[d.Key] = true
		}
		result.Pushed += len(chunk)
	}
}
