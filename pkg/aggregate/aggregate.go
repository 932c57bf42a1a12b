// Package aggregate folds extracted rows from every portal source into one
// record per flight and category for the current cycle.
package aggregate

import (
	"github.com/flightdesk/flightsync/pkg/document"
	"github.com/flightdesk/flightsync/pkg/flight"
)

// Entry is one aggregated flight record.
type Entry struct {
	Key    flight.Key
	Record *document.Map
}

type bucket struct {
	order   []flight.Key
	records map[flight.Key]*document.Map
}

// Aggregator is owned by a single cycle and is not safe for concurrent use.
type Aggregator struct {
	cats    []flight.Category
	buckets map[flight.Category]*bucket
}

func New() *Aggregator {
	return &Aggregator{buckets: make(map[flight.Category]*bucket)}
}

// Merge folds fields into the record for (cat, key), creating it if needed.
//
// A ckco value names a check-in counter: the row's crem and crem_lu are
// appended to that counter's history as one pair. crem and crem_lu are never
// stored on the record itself. Every other field overwrites what was there.
func (a *Aggregator) Merge(cat flight.Category, key flight.Key, fields *document.Map) {
	rec := a.record(cat, key)

	remark := fields.GetString(flight.FieldCounterRemark)
	remarkLocal := fields.GetString(flight.FieldCounterRemarkL)

	fields.Range(func(name string, v document.Value) bool {
		switch name {
		case flight.FieldCounterRemark, flight.FieldCounterRemarkL:
		case flight.FieldCounter:
			counter := v.Text()
			if counter == "" {
				return true
			}
			history := counterHistory(rec)
			prev, _ := history.Get(counter)
			history.Set(counter, prev.AppendPair(document.Pair{First: remark, Second: remarkLocal}))
		default:
			rec.Set(name, v)
		}
		return true
	})
}

// counterHistory returns the ckco object of rec, replacing any scalar value
// left under that name.
func counterHistory(rec *document.Map) *document.Map {
	v, ok := rec.Get(flight.FieldCounter)
	if ok && v.Kind() == document.KindObject && v.Object() != nil {
		return v.Object()
	}
	history := document.NewMap()
	rec.Set(flight.FieldCounter, document.ObjectOf(history))
	return history
}

func (a *Aggregator) record(cat flight.Category, key flight.Key) *document.Map {
	b, ok := a.buckets[cat]
	if !ok {
		b = &bucket{records: make(map[flight.Key]*document.Map)}
		a.buckets[cat] = b
		a.cats = append(a.cats, cat)
	}
	rec, ok := b.records[key]
	if !ok {
		rec = document.NewMap()
		b.records[key] = rec
		b.order = append(b.order, key)
	}
	return rec
}

// Get returns the record for (cat, key).
func (a *Aggregator) Get(cat flight.Category, key flight.Key) (*document.Map, bool) {
	b, ok := a.buckets[cat]
	if !ok {
		return nil, false
	}
	rec, ok := b.records[key]
	return rec, ok
}

// Records returns the records of cat in first-seen order.
func (a *Aggregator) Records(cat flight.Category) []Entry {
	b, ok := a.buckets[cat]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, Entry{Key: k, Record: b.records[k]})
	}
	return out
}

// Categories returns every category that has at least one record, in
// first-seen order.
func (a *Aggregator) Categories() []flight.Category {
	return append([]flight.Category(nil), a.cats...)
}

// Len is the total number of records across categories.
func (a *Aggregator) Len() int {
	n := 0
	for _, b := range a.buckets {
		n += len(b.order)
	}
	return n
}

// Reset drops all records. Called at cycle boundaries.
func (a *Aggregator) Reset() {
	a.cats = nil
	a.buckets = make(map[flight.Category]*bucket)
}
