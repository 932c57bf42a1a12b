// Package extract turns one assembled <tr> fragment from the portal into a
// flight field map.
//
// The portal's markup is fixed and quirky, so this is plain string scanning
// rather than DOM parsing. Every cell carries a title attribute with
// "Field:<name>" and an inline "Value:<value>" marker; the value ends at the
// next '<', which also discards the trailing garbage some cells carry.
package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flightdesk/flightsync/pkg/document"
	"github.com/flightdesk/flightsync/pkg/flight"
)

// ErrIncompleteRow means the row had no usable schedule time or flight
// number. Header and footer rows end up here.
var ErrIncompleteRow = errors.New("row has no schedule time or flight number")

const (
	tdOpen      = "<td"
	tdClose     = "</td>"
	fieldMarker = "Field:"
	valueMarker = "Value:"
)

// Source describes where a row came from.
type Source struct {
	Category    flight.Category
	CheckIn     bool
	SubCategory string
}

// Row is the result of extracting one table row.
type Row struct {
	Category flight.Category
	Key      flight.Key
	Fields   *document.Map
}

// Cell is a single (field, raw value) pair as found in the markup.
type Cell struct {
	Field string
	Value string
}

// ExtractRow reads every cell of tr and builds the row's field map. crem and
// crem_lu are kept in the map; the aggregator diverts them into the counter
// history.
func ExtractRow(tr string, src Source) (Row, error) {
	fields := document.NewMap()
	if !src.CheckIn {
		fields.SetString(flight.FieldSubCategory, src.SubCategory)
	}

	var stm, flnr string
	for _, c := range Cells(tr) {
		value := c.Value
		if compact, ok := flight.CompactTimestamp(value); ok {
			value = compact
		}

		switch c.Field {
		case flight.FieldScheduleTime:
			normalized, ok := flight.NormalizeScheduleTime(value)
			if !ok {
				continue
			}
			value = normalized
			stm = value
		case flight.FieldFlightNumber:
			value = flight.SanitizeFlightNumber(value)
			flnr = value
		}

		fields.SetString(c.Field, value)
	}

	if stm == "" || flnr == "" {
		return Row{}, ErrIncompleteRow
	}

	key, err := flight.NormalizeFlightKey(stm, flnr)
	if err != nil {
		return Row{}, fmt.Errorf("stm=%q flnr=%q: %w", stm, flnr, err)
	}

	return Row{Category: src.Category, Key: key, Fields: fields}, nil
}

// Cells returns the (field, value) pairs of every <td> in tr that carries
// both markers and a non-empty value.
func Cells(tr string) []Cell {
	var cells []Cell
	pos := 0
	for {
		start := indexFrom(tr, tdOpen, pos)
		if start < 0 {
			break
		}
		end := indexFrom(tr, tdClose, start)
		if end < 0 {
			break
		}
		pos = end + len(tdClose)

		name := cellFieldName(tr, start, end)
		value := cellValue(tr, start, end)
		if name == "" || value == "" {
			continue
		}
		cells = append(cells, Cell{Field: name, Value: value})
	}
	return cells
}

// cellFieldName finds title='…' (or title="…") inside tr[start:end] and
// returns the first word after "Field:". The attribute ends at the matching
// quote character.
func cellFieldName(tr string, start, end int) string {
	titleAt := indexFrom(tr, "title=", start)
	if titleAt < 0 || titleAt >= end {
		return ""
	}
	quoteAt := titleAt + len("title=")
	if quoteAt >= len(tr) {
		return ""
	}
	quote := tr[quoteAt]
	if quote != '\'' && quote != '"' {
		return ""
	}
	closeAt := strings.IndexByte(tr[quoteAt+1:], quote)
	if closeAt <= 0 {
		return ""
	}
	title := tr[quoteAt+1 : quoteAt+1+closeAt]

	f := strings.Index(title, fieldMarker)
	if f < 0 {
		return ""
	}
	name := strings.TrimSpace(title[f+len(fieldMarker):])
	if sp := strings.IndexByte(name, ' '); sp > 0 {
		name = name[:sp]
	}
	return name
}

// cellValue returns the trimmed text between "Value:" and the next '<'. The
// marker has to start inside the cell.
func cellValue(tr string, start, end int) string {
	at := indexFrom(tr, valueMarker, start)
	if at < 0 || at >= end {
		return ""
	}
	at += len(valueMarker)
	stop := strings.IndexByte(tr[at:], '<')
	if stop <= 0 {
		return ""
	}
	return strings.TrimSpace(tr[at : at+stop])
}

func indexFrom(s, substr string, from int) int {
	if from >= len(s) {
		return -1
	}
	i := strings.Index(s[from:], substr)
	if i < 0 {
		return -1
	}
	return from + i
}
