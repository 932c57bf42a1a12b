// Package syncer writes flight documents to the remote store with an
// adaptive timeout, connection resets after repeated timeouts and a
// reconnect cooldown.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flightdesk/flightsync/pkg/document"
	"github.com/flightdesk/flightsync/pkg/flight"
	"github.com/flightdesk/flightsync/pkg/metrics"
	"github.com/flightdesk/flightsync/pkg/remote"
)

var (
	ErrNotReady    = errors.New("remote store not ready")
	ErrTimeout     = errors.New("remote write timed out")
	ErrResetFailed = errors.New("remote store reset failed")
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

type Config struct {
	// Root is the node all categories live under, e.g. "/flights/Islamabad".
	Root string

	InitialTimeout         time.Duration // also the floor
	MaxTimeout             time.Duration
	TimeoutStep            time.Duration
	DecayStep              time.Duration
	MaxConsecutiveTimeouts int
	ReconnectCooldown      time.Duration
	ReadyTimeout           time.Duration
	ResetReadyTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Root:                   "/flights/Islamabad",
		InitialTimeout:         10 * time.Second,
		MaxTimeout:             120 * time.Second,
		TimeoutStep:            5 * time.Second,
		DecayStep:              time.Second,
		MaxConsecutiveTimeouts: 2,
		ReconnectCooldown:      30 * time.Second,
		ReadyTimeout:           10 * time.Second,
		ResetReadyTimeout:      15 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.InitialTimeout <= 0 {
		c.InitialTimeout = d.InitialTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.MaxTimeout < c.InitialTimeout {
		c.MaxTimeout = c.InitialTimeout
	}
	if c.TimeoutStep <= 0 {
		c.TimeoutStep = d.TimeoutStep
	}
	if c.DecayStep <= 0 {
		c.DecayStep = d.DecayStep
	}
	if c.MaxConsecutiveTimeouts <= 0 {
		c.MaxConsecutiveTimeouts = d.MaxConsecutiveTimeouts
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = d.ReconnectCooldown
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.ResetReadyTimeout <= 0 {
		c.ResetReadyTimeout = d.ResetReadyTimeout
	}
	c.Root = "/" + strings.Trim(c.Root, "/")
}

// State is a snapshot of the engine's connection health. It lives for the
// life of the process and is never persisted.
type State struct {
	Timeout             time.Duration `json:"timeout"`
	ConsecutiveTimeouts int           `json:"consecutive_timeouts"`
	LastReset           time.Time     `json:"last_reset"`
	NextReconnect       time.Time     `json:"next_reconnect"`
	Ready               bool          `json:"ready"`
}

// Doc is one flight document of a batch.
type Doc struct {
	Key    flight.Key
	Fields *document.Map
}

// Engine serializes writes to a remote.Store. It is safe to read State from
// other goroutines while a push is running.
type Engine struct {
	cfg   Config
	store remote.Store
	log   Logger
	now   func() time.Time

	pushMu sync.Mutex

	mu            sync.Mutex
	timeout       time.Duration
	consecutive   int
	lastReset     time.Time
	nextReconnect time.Time
}

func New(store remote.Store, cfg Config, log Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = nopLogger{}
	}
	e := &Engine{
		cfg:     cfg,
		store:   store,
		log:     log,
		now:     time.Now,
		timeout: cfg.InitialTimeout,
	}
	metrics.AdaptiveTimeout.Set(e.timeout.Seconds())
	return e
}

// Root returns the node categories are written under.
func (e *Engine) Root() string { return e.cfg.Root }

func (e *Engine) State() State {
	ready := e.store.Ready()
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Timeout:             e.timeout,
		ConsecutiveTimeouts: e.consecutive,
		LastReset:           e.lastReset,
		NextReconnect:       e.nextReconnect,
		Ready:               ready,
	}
}

// Push merges one flight document into <root>/<category>/<key>.
func (e *Engine) Push(ctx context.Context, cat flight.Category, key flight.Key, doc *document.Map) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return e.write(ctx, "flight", e.cfg.Root+"/"+string(cat)+"/"+string(key), body)
}

// PushBatch merges every document of docs into <root>/<category> in a
// single write. Flights not named in docs are left alone.
func (e *Engine) PushBatch(ctx context.Context, cat flight.Category, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	batch := document.NewMap()
	for _, d := range docs {
		batch.Set(string(d.Key), document.ObjectOf(d.Fields))
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding %s batch: %w", cat, err)
	}
	return e.write(ctx, "batch", e.cfg.Root+"/"+string(cat), body)
}

// PushPath merges a raw JSON object into an arbitrary path. Used for status
// documents.
func (e *Engine) PushPath(ctx context.Context, path string, body []byte) error {
	return e.write(ctx, "status", "/"+strings.TrimLeft(path, "/"), body)
}

func (e *Engine) write(ctx context.Context, kind, path string, body []byte) (err error) {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.PushDuration.WithLabelValues(kind))
		metrics.Pushes.WithLabelValues(kind, resultLabel(err)).Inc()
		metrics.AdaptiveTimeout.Set(e.currentTimeout().Seconds())
		if e.store.Ready() {
			metrics.StoreReady.Set(1)
		} else {
			metrics.StoreReady.Set(0)
		}
	}()

	if err := e.ensureReady(ctx); err != nil {
		e.log.Warnf("Skipping write to %s: %v", path, err)
		return err
	}

	timeout := e.currentTimeout()
	res, ok, err := e.attempt(ctx, path, body, timeout)
	if err != nil {
		return err
	}
	if ok {
		return e.finish(path, res, true)
	}

	n := e.recordTimeout()
	if n < e.cfg.MaxConsecutiveTimeouts {
		next := e.grow()
		e.log.Warnf("Write to %s timed out after %s (%d consecutive), next timeout %s", path, timeout, n, next)
		return fmt.Errorf("%w: %s after %s", ErrTimeout, path, timeout)
	}

	if until, cooling := e.coolingDown(); cooling {
		next := e.grow()
		e.log.Warnf("Write to %s timed out %d times in a row, reset skipped until %s, next timeout %s", path, n, until.Format(time.RFC3339), next)
		return fmt.Errorf("%w: reconnect cooling down", ErrResetFailed)
	}

	e.log.Warnf("Write to %s timed out %d times in a row, resetting the connection", path, n)
	if err := e.reset(ctx); err != nil {
		next := e.grow()
		e.startCooldown()
		metrics.StoreResets.WithLabelValues("failed").Inc()
		e.log.Errorf("Connection reset failed: %v (next timeout %s)", err, next)
		return fmt.Errorf("%w: %v", ErrResetFailed, err)
	}
	metrics.StoreResets.WithLabelValues("ok").Inc()

	timeout = e.currentTimeout()
	res, ok, err = e.attempt(ctx, path, body, timeout)
	if err != nil {
		return err
	}
	if !ok {
		e.recordTimeout()
		next := e.grow()
		e.startCooldown()
		e.log.Errorf("Write to %s timed out again after reset (%s), next timeout %s", path, timeout, next)
		return fmt.Errorf("%w: %s after reset", ErrTimeout, path)
	}
	// The timeout only decays on the next ordinary success.
	return e.finish(path, res, false)
}

// attempt issues one write and waits up to timeout for it. ok is false when
// the wait timed out; the in-flight request is cancelled in that case. err
// is only set when ctx ends first.
func (e *Engine) attempt(ctx context.Context, path string, body []byte, timeout time.Duration) (remote.Result, bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f := e.store.Update(reqCtx, path, body)

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.Done():
		res, _ := f.Wait(0)
		return res, true, nil
	case <-t.C:
		return remote.Result{}, false, nil
	case <-ctx.Done():
		return remote.Result{}, false, ctx.Err()
	}
}

func (e *Engine) finish(path string, res remote.Result, decay bool) error {
	if res.Err != nil {
		e.log.Errorf("Write to %s failed: %v", path, res.Err)
		return fmt.Errorf("writing %s: %w", path, res.Err)
	}

	e.mu.Lock()
	e.consecutive = 0
	if decay {
		e.timeout -= e.cfg.DecayStep
		if e.timeout < e.cfg.InitialTimeout {
			e.timeout = e.cfg.InitialTimeout
		}
	}
	e.mu.Unlock()

	e.log.Debugf("Wrote %s", path)
	return nil
}

func (e *Engine) ensureReady(ctx context.Context) error {
	if e.store.Ready() {
		return nil
	}
	if until, cooling := e.coolingDown(); cooling {
		return fmt.Errorf("%w: reconnect cooling down until %s", ErrNotReady, until.Format(time.RFC3339))
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.ReadyTimeout)
	defer cancel()
	err := e.store.Connect(cctx)
	if err == nil && e.store.Ready() {
		e.log.Infof("Remote store connected")
		return nil
	}

	e.startCooldown()
	if err == nil {
		err = errors.New("still not ready after connect")
	}
	return fmt.Errorf("%w: %v", ErrNotReady, err)
}

func (e *Engine) reset(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ResetReadyTimeout)
	defer cancel()
	if err := e.store.Reset(cctx); err != nil {
		return err
	}
	if !e.store.Ready() {
		return errors.New("store not ready after reset")
	}

	e.mu.Lock()
	e.consecutive = 0
	e.lastReset = e.now()
	e.mu.Unlock()
	e.log.Infof("Remote connection reset")
	return nil
}

func (e *Engine) currentTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

func (e *Engine) recordTimeout() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutive++
	return e.consecutive
}

// grow raises the timeout by one step, capped at MaxTimeout.
func (e *Engine) grow() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout += e.cfg.TimeoutStep
	if e.timeout > e.cfg.MaxTimeout {
		e.timeout = e.cfg.MaxTimeout
	}
	return e.timeout
}

func (e *Engine) startCooldown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextReconnect = e.now().Add(e.cfg.ReconnectCooldown)
}

func (e *Engine) coolingDown() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextReconnect, e.now().Before(e.nextReconnect)
}

func resultLabel(err error) string {
	var rerr *remote.Error
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrResetFailed):
		return "reset_failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &rerr):
		return "remote_error"
	}
	return "error"
}
