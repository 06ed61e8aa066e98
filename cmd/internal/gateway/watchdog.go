package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wagate/cmd/internal/metrics"
)

// StallLevel is the watchdog's verdict for one check.
type StallLevel uint8

const (
	StallNone StallLevel = iota
	StallSoft
	StallHard
)

func (l StallLevel) String() string {
	switch l {
	case StallSoft:
		return "soft"
	case StallHard:
		return "hard"
	default:
		return "none"
	}
}

// classifyStall maps the time since the last observed event to a stall level.
func classifyStall(elapsed, low, high time.Duration) StallLevel {
	switch {
	case elapsed < low:
		return StallNone
	case elapsed < high:
		return StallSoft
	default:
		return StallHard
	}
}

// Watchdog detects silently stalled event delivery on a connected session.
//
// The soft heal (listener re-attachment) is a best-effort mitigation: whether it
// restores delivery depends on transport internals we cannot observe. Each heal resets
// the marker, so an idle session is re-attached at most once per low threshold and never
// recycled. A hard stall needs high to pass with no check in between, as after a host
// suspend; the socket is then presumed dead and the transport is recycled.
type Watchdog struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	key     string

	interval time.Duration
	low      time.Duration
	high     time.Duration
	now      func() time.Time

	connected func() bool
	onSoft    func()
	onHard    func()

	lastSeen atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

func newWatchdog(c *Controller) *Watchdog {
	cfg := c.m.cfg
	w := &Watchdog{
		log:       c.m.log,
		metrics:   c.m.metrics,
		key:       c.key,
		interval:  cfg.WatchdogInterval,
		low:       cfg.WatchdogLow,
		high:      cfg.WatchdogHigh,
		now:       c.m.now,
		connected: func() bool { return c.Snapshot().State == StateConnected },
		onSoft:    c.reattach,
		onHard:    c.recycle,
		stop:      make(chan struct{}),
	}
	w.Touch()
	return w
}

// Touch records that an event was just observed.
func (w *Watchdog) Touch() {
	if w == nil {
		return
	}
	w.lastSeen.Store(w.now().UnixNano())
}

// Elapsed returns the time since the last observed event.
func (w *Watchdog) Elapsed() time.Duration {
	return w.now().Sub(time.Unix(0, w.lastSeen.Load()))
}

// Start runs the periodic check until Stop.
func (w *Watchdog) Start() {
	if w == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("watchdog.panic", "session_key", w.key, "panic", r)
			}
		}()

		t := time.NewTicker(w.interval)
		defer t.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.check()
			}
		}
	}()
}

func (w *Watchdog) check() StallLevel {
	if !w.connected() {
		return StallNone
	}

	elapsed := w.Elapsed()
	level := classifyStall(elapsed, w.low, w.high)

	switch level {
	case StallSoft:
		w.log.Warn("watchdog.stall.soft", "session_key", w.key, "elapsed_ms", elapsed.Milliseconds())
		w.metrics.Heal(level.String())
		w.onSoft()
		w.Touch()
	case StallHard:
		w.log.Warn("watchdog.stall.hard", "session_key", w.key, "elapsed_ms", elapsed.Milliseconds())
		w.metrics.Heal(level.String())
		w.onHard()
	}
	return level
}

// Stop ends the periodic check (idempotent). It does not wait for an in-flight check.
func (w *Watchdog) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.stop) })
}
