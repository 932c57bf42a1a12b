package flight

import (
	"encoding/json"
	"testing"

	"github.com/flightdesk/flightsync/pkg/document"
)

func TestManagedFieldsCount(t *testing.T) {
	if len(ManagedFields) != 21 {
		t.Fatalf("expected 21 managed fields, got %d", len(ManagedFields))
	}
	for _, f := range []string{"stm", "flnr", "ckco", "SubCat", "crem_lu"} {
		if !IsManaged(f) {
			t.Errorf("%s should be managed", f)
		}
	}
	for _, f := range []string{"", "tail", "flnr ", "Stm"} {
		if IsManaged(f) {
			t.Errorf("%q should not be managed", f)
		}
	}
}

func TestFilterDropsUnmanagedAndEmpty(t *testing.T) {
	rec := document.NewMap()
	rec.SetString("stm", "2601310810")
	rec.SetString("flnr", "QR 345")
	rec.SetString("blt1", "B1")
	rec.SetString("gat1", "   ")
	rec.SetString("att", "")
	rec.SetString("acreg", "A7-BAE")
	rec.Set("ckco", document.ObjectOf(document.NewMap()))

	doc, rep := FilterWithReport(rec)

	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"stm":"2601310810","flnr":"QR 345","blt1":"B1"}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
	if len(rep.Skipped) != 3 {
		t.Errorf("expected att, gat1 and ckco skipped, got %v", rep.Skipped)
	}
	if doc.Has("acreg") {
		t.Errorf("unmanaged field leaked into document")
	}
}

func TestFilterKeepsCounterHistory(t *testing.T) {
	counters := document.NewMap()
	counters.Set("14", document.PairList(document.Pair{First: "Open", Second: "کھلا"}))

	rec := document.NewMap()
	rec.SetString("flnr", "PK 300")
	rec.Set("ckco", document.ObjectOf(counters))

	doc := Filter(rec)
	v, ok := doc.Get("ckco")
	if !ok || v.Kind() != document.KindObject {
		t.Fatalf("ckco missing from filtered document")
	}

	// The filtered document must not alias the aggregated record.
	counters.Set("15", document.PairList(document.Pair{First: "Closed"}))
	if v.Object().Len() != 1 {
		t.Fatalf("filtered document aliases the record")
	}
}

func TestFilterNilRecord(t *testing.T) {
	if got := Filter(nil); got.Len() != 0 {
		t.Fatalf("expected empty document, got %d fields", got.Len())
	}
}
