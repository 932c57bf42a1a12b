package flight

import "github.com/flightdesk/flightsync/pkg/document"

// FilterReport lists which managed fields made it into a document and which
// were present but empty.
type FilterReport struct {
	Included []string
	Skipped  []string
}

// Filter reduces a record to its managed, non-empty fields. An update must
// never carry an empty field, which would erase another writer's value.
func Filter(record *document.Map) *document.Map {
	doc, _ := FilterWithReport(record)
	return doc
}

// FilterWithReport is Filter plus the list of included and skipped fields.
func FilterWithReport(record *document.Map) (*document.Map, FilterReport) {
	out := document.NewMap()
	var rep FilterReport
	for _, name := range ManagedFields {
		v, ok := record.Get(name)
		if !ok {
			continue
		}
		if v.IsEmpty() {
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		if v.Kind() == document.KindObject {
			v = document.ObjectOf(v.Object().Clone())
		}
		out.Set(name, v)
		rep.Included = append(rep.Included, name)
	}
	return out, rep
}
