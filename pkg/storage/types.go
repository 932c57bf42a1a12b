package storage

import "time"

// Snapshot is the last filtered document seen for one flight.
type Snapshot struct {
	Category    string    `json:"category"`
	FlightKey   string    `json:"flight_key"`
	ScheduledAt time.Time `json:"scheduled_at"` // zero when unknown
	Document    string    `json:"document"`     // JSON
	Pushed      bool      `json:"pushed"`
}

// Change captures a single change event for auditing or printing.
type Change struct {
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`

	// Flight info
	Category  string `json:"category"`
	FlightKey string `json:"flight_key"`

	ChangeType string `json:"change_type"` // added | updated
}

// Run is one sync cycle.
type Run struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	SourcesOK     int       `json:"sources_ok"`
	SourcesFailed int       `json:"sources_failed"`
	Rows          int       `json:"rows"`
	Records       int       `json:"records"`
	Pushed        int       `json:"pushed"`
	PushFailures  int       `json:"push_failures"`
	Status        string    `json:"status"` // ok | partial | failed
}
