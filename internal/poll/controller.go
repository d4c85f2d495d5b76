// Package poll retries comp acquisition for freshly added assets.
//
// A Controller owns one (asset, fallback) pair. Its first attempt runs
// immediately; while attempts come back empty it retries on a fixed backoff
// schedule and gives up once the schedule is used. Attempts never overlap.
package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"slabvalue/internal/engine"
	"slabvalue/internal/logger"
	"slabvalue/internal/metrics"
)

// State is a controller lifecycle state.
type State int

const (
	Idle State = iota
	Fetching
	Satisfied
	Polling
	Exhausted
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Satisfied:
		return "satisfied"
	case Polling:
		return "polling"
	case Exhausted:
		return "exhausted"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further attempts will be made.
func (s State) Terminal() bool {
	return s == Satisfied || s == Exhausted || s == Cancelled
}

var backoff = [...]time.Duration{
	3 * time.Second,
	6 * time.Second,
	10 * time.Second,
	15 * time.Second,
}

// Backoff returns the retry delays in order.
func Backoff() []time.Duration {
	out := make([]time.Duration, len(backoff))
	copy(out, backoff[:])
	return out
}

// Key identifies the subject of a controller.
type Key struct {
	AssetID    string `json:"asset_id"`
	FallbackID string `json:"fallback_id,omitempty"`
}

// Loader runs one attempt. It should try the primary id and then the
// fallback id. A transport error is treated as an empty result.
type Loader func(ctx context.Context, key Key) (engine.TrendSeries, error)

// Publisher receives the result of every completed attempt that was not
// cancelled, together with the state it led to.
type Publisher func(key Key, series engine.TrendSeries, state State)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Controller.
type Option func(*Controller)

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.sched = s }
}

// Status is a point-in-time view of a controller.
type Status struct {
	Key      Key   `json:"key"`
	State    State `json:"state"`
	Attempts int   `json:"attempts"`
	Retries  int   `json:"retries"`
	Points   int   `json:"points"`
}

// Controller polls one key.
type Controller struct {
	key     Key
	load    Loader
	publish Publisher
	sched   Scheduler

	mu       sync.Mutex
	state    State
	retries  int
	attempts int
	gen      uint64
	timer    Timer
	ctx      context.Context
	cancel   context.CancelFunc
	last     engine.TrendSeries

	// pubMu serializes publishes with Stop so nothing is published after
	// Stop returns.
	pubMu sync.Mutex
}

// NewController creates an idle controller.
func NewController(key Key, load Loader, publish Publisher, opts ...Option) *Controller {
	c := &Controller{
		key:     key,
		load:    load,
		publish: publish,
		sched:   realScheduler{},
		last:    engine.TrendSeries{Points: []engine.TrendPoint{}},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key returns the controller's subject.
func (c *Controller) Key() Key { return c.key }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the most recent published series.
func (c *Controller) Last() engine.TrendSeries {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Status returns a snapshot for reporting.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Key:      c.key,
		State:    c.state,
		Attempts: c.attempts,
		Retries:  c.retries,
		Points:   c.last.Len(),
	}
}

// Start runs the first attempt on the calling goroutine and returns the
// resulting state. Later attempts run on the scheduler. Cancelling ctx
// has the same effect as Stop. Start on a controller that is not idle is a
// no-op.
func (c *Controller) Start(ctx context.Context) State {
	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		return st
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	gen := c.gen
	pctx := c.ctx
	c.mu.Unlock()

	go func() {
		<-pctx.Done()
		c.Stop()
	}()

	c.attempt(gen)
	return c.State()
}

// Stop cancels the pending timer and any in-flight attempt. A controller in
// a terminal state other than Cancelled keeps that state.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if !c.state.Terminal() {
		c.state = Cancelled
		metrics.PollOutcome(Cancelled.String())
	}
	c.mu.Unlock()

	// Wait out a publish that already passed its generation check.
	c.pubMu.Lock()
	c.pubMu.Unlock()
}

func (c *Controller) attempt(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = Fetching
	c.attempts++
	ctx := c.ctx
	c.mu.Unlock()

	metrics.PollAttempt()
	series, err := c.load(ctx, c.key)
	if err != nil {
		logger.Warn("Poll", "Comp fetch failed, treating as empty",
			zap.String("asset", c.key.AssetID), zap.Error(err))
		series = engine.TrendSeries{Points: []engine.TrendPoint{}}
	}
	if series.Points == nil {
		series.Points = []engine.TrendPoint{}
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.gen != gen || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.last = series
	switch {
	case series.Len() > 0:
		c.state = Satisfied
	case c.retries < len(backoff):
		d := backoff[c.retries]
		c.retries++
		c.state = Polling
		c.timer = c.sched.AfterFunc(d, func() { c.attempt(gen) })
	default:
		c.state = Exhausted
	}
	state := c.state
	attempts := c.attempts
	cancel := c.cancel
	c.mu.Unlock()

	if c.publish != nil {
		c.publish(c.key, series, state)
	}
	if state.Terminal() {
		cancel()
		metrics.PollOutcome(state.String())
		logger.Debug("Poll", "Controller finished",
			zap.String("asset", c.key.AssetID),
			zap.Stringer("state", state),
			zap.Int("attempts", attempts),
			zap.Int("points", series.Len()))
	}
}
