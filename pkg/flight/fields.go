package flight

import "strings"

// Category is the top-level bucket a flight record lives under remotely.
type Category string

const (
	Departure Category = "Departure"
	Arrival   Category = "Arrival"
)

// CheckInTag marks portal sources whose rows fold into Departure records and
// carry counter history.
const CheckInTag = "CheckIn"

// ResolveCategory maps a configured source category to the record category.
func ResolveCategory(tag string) (cat Category, checkIn bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "departure", "departures":
		return Departure, false, true
	case "arrival", "arrivals":
		return Arrival, false, true
	case "checkin", "check-in":
		return Departure, true, true
	}
	return "", false, false
}

// Field names used by the portal's table cells.
const (
	FieldScheduleTime   = "stm"
	FieldFlightNumber   = "flnr"
	FieldEstimatedTime  = "ect"
	FieldActualTime     = "att"
	FieldBelt           = "blt1"
	FieldStatus         = "bre1"
	FieldCity           = "city_lu"
	FieldVia            = "via1_lu"
	FieldRemark         = "prem_lu"
	FieldFSTA           = "fsta_lu"
	FieldZone           = "cro1"
	FieldCheckInFrom    = "cctf"
	FieldCheckInTo      = "cctt"
	FieldGate           = "gat1"
	FieldRow            = "crow"
	FieldCounter        = "ckco"
	FieldOpen           = "aopn"
	FieldClose          = "aclo"
	FieldCounterRemark  = "crem"
	FieldCounterRemarkL = "crem_lu"
	FieldSubCategory    = "SubCat"
)

// ManagedFields is the set of fields this system is authoritative for in the
// shared store. Nothing else is ever sent upstream.
var ManagedFields = [...]string{
	FieldScheduleTime,
	FieldFlightNumber,
	FieldEstimatedTime,
	FieldActualTime,
	FieldBelt,
	FieldStatus,
	FieldCity,
	FieldVia,
	FieldRemark,
	FieldFSTA,
	FieldZone,
	FieldCheckInFrom,
	FieldCheckInTo,
	FieldGate,
	FieldRow,
	FieldCounter,
	FieldOpen,
	FieldClose,
	FieldCounterRemark,
	FieldCounterRemarkL,
	FieldSubCategory,
}

var managedSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(ManagedFields))
	for _, f := range ManagedFields {
		m[f] = struct{}{}
	}
	return m
}()

// IsManaged reports whether name belongs to ManagedFields.
func IsManaged(name string) bool {
	_, ok := managedSet[name]
	return ok
}
