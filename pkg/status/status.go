// Package status tracks what the syncer is doing right now and publishes
// sync events for the monitor UI.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
)

const (
	DefaultEventPath = "/Esp33Event"
	DefaultUpdateKey = "Esp33Update"
	DefaultTimezone  = "Asia/Karachi"

	// LastSyncLayout is the format the monitor UI displays.
	LastSyncLayout = "02 Jan 2006 03:04 PM"

	IconIdle  = "⏳"
	IconSync  = "🔄"
	IconDone  = "✅"
	IconError = "❌"
)

// Event types written to the event path.
const (
	EventCycle = "cycle"
	EventSync  = "sync"
	EventError = "error"
)

// Snapshot is the current phase as shown to operators.
type Snapshot struct {
	Message string    `json:"message"`
	Icon    string    `json:"icon"`
	Updated time.Time `json:"updated"`
}

// Board holds the current phase. Writers are the cycle goroutine; readers
// are the HTTP handlers.
type Board struct {
	mu  sync.RWMutex
	cur Snapshot
	now func() time.Time
}

func NewBoard() *Board {
	b := &Board{now: time.Now}
	b.SetStatus("Starting", IconIdle)
	return b
}

func (b *Board) SetStatus(message, icon string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = Snapshot{Message: message, Icon: icon, Updated: b.now()}
}

func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cur
}

// PathPusher writes a raw JSON object to a path of the remote store.
type PathPusher interface {
	PushPath(ctx context.Context, path string, body []byte) error
}

type PublisherConfig struct {
	EventPath string
	UpdateKey string
	Timezone  string
}

type Publisher struct {
	pusher    PathPusher
	eventPath string
	updateKey string
	loc       *time.Location
	started   time.Time
	now       func() time.Time
}

func NewPublisher(p PathPusher, cfg PublisherConfig) *Publisher {
	if cfg.EventPath == "" {
		cfg.EventPath = DefaultEventPath
	}
	if cfg.UpdateKey == "" {
		cfg.UpdateKey = DefaultUpdateKey
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	return &Publisher{
		pusher:    p,
		eventPath: "/" + strings.TrimLeft(cfg.EventPath, "/"),
		updateKey: strings.Trim(cfg.UpdateKey, "/"),
		loc:       LoadLocation(cfg.Timezone),
		started:   time.Now(),
		now:       time.Now,
	}
}

// LoadLocation resolves name, falling back to a fixed UTC+5 zone when the
// zone database does not know it.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("PKT", 5*60*60)
	}
	return loc
}

// EventDocument builds the JSON written to the event path.
func EventDocument(typ, message string, at time.Time, uptime time.Duration) ([]byte, error) {
	doc, err := sjson.SetBytes([]byte(`{}`), "type", typ)
	if err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "message", message); err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "timestamp", at.Unix()); err != nil {
		return nil, err
	}
	return sjson.SetBytes(doc, "uptime", int64(uptime.Seconds()))
}

// Event writes {type, message, timestamp, uptime} to the event path.
func (p *Publisher) Event(ctx context.Context, typ, message string) error {
	now := p.now()
	doc, err := EventDocument(typ, message, now, now.Sub(p.started))
	if err != nil {
		return fmt.Errorf("building event: %w", err)
	}
	return p.pusher.PushPath(ctx, p.eventPath, doc)
}

// LastSync records t as the last successful sync time.
func (p *Publisher) LastSync(ctx context.Context, t time.Time) error {
	doc, err := sjson.SetBytes([]byte(`{}`), escapeKey(p.updateKey), FormatLastSync(t, p.loc))
	if err != nil {
		return fmt.Errorf("building last sync: %w", err)
	}
	return p.pusher.PushPath(ctx, "/", doc)
}

func FormatLastSync(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(LastSyncLayout)
}

// escapeKey keeps sjson from reading dots in a key as a path.
func escapeKey(k string) string {
	return strings.ReplaceAll(k, ".", `\.`)
}
