// Package resilience drives playback error recovery for one viewing
// session. A Controller attaches to a playback engine, consumes its
// structured error events, and decides between retrying the transport,
// skipping corrupt media, swapping the audio codec, escalating to a
// fallback transport, or giving up. One Controller serves one
// attach/detach cycle; concurrent sessions get their own instances.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thomasbambino/streamcore/internal/observability"
)

const (
	// DefaultNetworkRetryCeiling is how many network errors are retried
	// with reloads before escalation.
	DefaultNetworkRetryCeiling = 3
	// DefaultMediaErrorCeiling is how many media errors are tolerated
	// before the stream is declared dead.
	DefaultMediaErrorCeiling = 5
	// DefaultCodecSwapThreshold is the consecutive media error count
	// that triggers the one-time audio codec swap.
	DefaultCodecSwapThreshold = 3
	// DefaultCooldown is the error-free span after which all counters
	// reset.
	DefaultCooldown = 30 * time.Second
	// DefaultParsingSkip is how far playback jumps past an unparseable
	// unit, in seconds.
	DefaultParsingSkip = 2.0
	// DefaultDiscontinuityNudge is the sub-second position nudge that
	// forces decoder resync at a discontinuity, in seconds.
	DefaultDiscontinuityNudge = 0.25
)

// DefaultRetryDelays is the reload backoff ladder, indexed by attempt.
// Attempts past the end reuse the last value.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// Engine is the control surface the controller needs from a playback
// engine. Calls arrive from HandleError/HandleDiscontinuity and from the
// retry timer goroutine, never concurrently with each other for a
// correctly used engine (one event source per session).
type Engine interface {
	// Position returns the current playback position in seconds.
	Position() float64
	Seek(position float64)
	// Reload tears down and re-opens the current transport.
	Reload()
	// RecoverMedia runs the engine's standard media-error recovery.
	RecoverMedia()
	// SwapAudioCodec switches the negotiated audio codec. Called at most
	// once per attach cycle.
	SwapAudioCodec()
}

// Handlers carries the host application's callbacks. Both are optional
// and invoked synchronously.
type Handlers struct {
	// OnFatal receives the event that exhausted recovery.
	OnFatal func(Event)
	// OnModeEscalation receives the transport the controller wants to
	// switch to. When nil, exhausted network retries go fatal instead.
	OnModeEscalation func(TransportMode)
}

// Config tunes the recovery state machine. Zero values take defaults.
type Config struct {
	NetworkRetryCeiling int
	MediaErrorCeiling   int
	CodecSwapThreshold  int
	Cooldown            time.Duration
	RetryDelays         []time.Duration
	ParsingSkip         float64
	DiscontinuityNudge  float64
}

func normalizeConfig(cfg Config) Config {
	if cfg.NetworkRetryCeiling <= 0 {
		cfg.NetworkRetryCeiling = DefaultNetworkRetryCeiling
	}
	if cfg.MediaErrorCeiling <= 0 {
		cfg.MediaErrorCeiling = DefaultMediaErrorCeiling
	}
	if cfg.CodecSwapThreshold <= 0 {
		cfg.CodecSwapThreshold = DefaultCodecSwapThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.ParsingSkip <= 0 {
		cfg.ParsingSkip = DefaultParsingSkip
	}
	if cfg.DiscontinuityNudge <= 0 {
		cfg.DiscontinuityNudge = DefaultDiscontinuityNudge
	}
	return cfg
}

// State is a point-in-time snapshot of the recovery counters.
type State struct {
	NetworkErrors          int  `json:"network_errors"`
	MediaErrors            int  `json:"media_errors"`
	ConsecutiveMediaErrors int  `json:"consecutive_media_errors"`
	CodecSwapAttempted     bool `json:"codec_swap_attempted"`
	RetryPending           bool `json:"retry_pending"`
}

// Controller is the per-session recovery state machine.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newTimer func(time.Duration, func()) *time.Timer

	mu                     sync.Mutex
	engine                 Engine
	handlers               Handlers
	networkErrors          int
	mediaErrors            int
	consecutiveMediaErrors int
	codecSwapAttempted     bool
	lastErrorAt            time.Time
	discontinuitySeen      bool
	lastDiscontinuity      int
	retryTimer             *time.Timer
	retryGen               int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithTimerFactory overrides retry timer creation, for tests.
func WithTimerFactory(newTimer func(time.Duration, func()) *time.Timer) Option {
	return func(c *Controller) {
		c.newTimer = newTimer
	}
}

// New creates a detached Controller.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:      normalizeConfig(cfg),
		logger:   observability.WithComponent(logger, "resilience"),
		now:      time.Now,
		newTimer: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach binds the controller to a playback engine. It fails when the
// engine is nil or another engine is still attached.
func (c *Controller) Attach(engine Engine, handlers Handlers) error {
	if engine == nil {
		return errors.New("engine is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != nil {
		return errors.New("already attached; detach the current engine first")
	}
	c.engine = engine
	c.handlers = handlers
	return nil
}

// Detach unbinds the engine, cancels any pending retry, and resets all
// recovery state. Safe to call when already detached.
func (c *Controller) Detach() {
	c.mu.Lock()
	c.engine = nil
	c.handlers = Handlers{}
	c.cancelRetryLocked()
	c.resetCountersLocked()
	c.discontinuitySeen = false
	c.lastDiscontinuity = 0
	c.mu.Unlock()
}

// NotifySuccess records sustained successful playback. It clears the
// consecutive media error counter only; the cumulative counters are
// governed by the cooldown window, so one good stretch does not mark a
// flaky stream healthy.
func (c *Controller) NotifySuccess() {
	c.mu.Lock()
	c.consecutiveMediaErrors = 0
	c.mu.Unlock()
}

// State returns a snapshot of the recovery counters.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		NetworkErrors:          c.networkErrors,
		MediaErrors:            c.mediaErrors,
		ConsecutiveMediaErrors: c.consecutiveMediaErrors,
		CodecSwapAttempted:     c.codecSwapAttempted,
		RetryPending:           c.retryTimer != nil,
	}
}

// recovery is the action HandleError settles on while holding the lock
// and executes after releasing it, so engine calls and host callbacks
// can re-enter the controller.
type recovery int

const (
	recoveryNone recovery = iota
	recoveryReloadScheduled
	recoveryEscalate
	recoverySkipForward
	recoverySwapCodec
	recoveryMedia
	recoveryFatal
)

// HandleError runs one error event through the state machine and
// reports whether a recovery was attempted or scheduled.
func (c *Controller) HandleError(event Event) bool {
	c.mu.Lock()
	if c.engine == nil {
		c.mu.Unlock()
		return false
	}
	engine := c.engine
	handlers := c.handlers

	now := c.now()
	c.maybeCooldownResetLocked(now)

	if !event.Fatal {
		c.mu.Unlock()
		c.logger.Debug("non-fatal playback error",
			slog.String("type", string(event.Type)),
			slog.String("detail", string(event.Detail)),
			slog.String("message", event.Message))
		return false
	}

	c.lastErrorAt = now

	var (
		act     recovery
		attempt int
		delay   time.Duration
	)
	switch {
	case event.Type == ErrorTypeNetwork:
		c.networkErrors++
		c.consecutiveMediaErrors = 0
		if c.networkErrors > c.cfg.NetworkRetryCeiling {
			if handlers.OnModeEscalation != nil {
				act = recoveryEscalate
			} else {
				act = recoveryFatal
			}
		} else {
			attempt = c.networkErrors
			delay = c.retryDelay(attempt)
			c.scheduleReloadLocked(delay)
			act = recoveryReloadScheduled
		}

	case event.Type == ErrorTypeMedia && event.parsingRelated():
		// Self-limiting: the corrupt unit is skipped, so no ceiling.
		act = recoverySkipForward

	case event.Type == ErrorTypeMedia:
		c.mediaErrors++
		c.consecutiveMediaErrors++
		switch {
		case c.mediaErrors > c.cfg.MediaErrorCeiling:
			act = recoveryFatal
		case c.consecutiveMediaErrors >= c.cfg.CodecSwapThreshold && !c.codecSwapAttempted:
			c.codecSwapAttempted = true
			act = recoverySwapCodec
		default:
			act = recoveryMedia
		}

	default:
		act = recoveryFatal
	}
	skip := c.cfg.ParsingSkip
	c.mu.Unlock()

	switch act {
	case recoveryReloadScheduled:
		c.logger.Warn("network error, transport reload scheduled",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("message", event.Message))
		return true

	case recoveryEscalate:
		c.logger.Warn("network retry ceiling reached, requesting transport escalation",
			slog.String("target", string(TransportModeDirect)),
			slog.String("message", event.Message))
		handlers.OnModeEscalation(TransportModeDirect)
		return true

	case recoverySkipForward:
		pos := engine.Position()
		c.logger.Warn("skipping unparseable media",
			slog.Float64("position", pos),
			slog.Float64("skip", skip),
			slog.String("detail", string(event.Detail)))
		engine.Seek(pos + skip)
		engine.RecoverMedia()
		return true

	case recoverySwapCodec:
		c.logger.Warn("swapping audio codec after repeated media errors",
			slog.String("message", event.Message))
		engine.SwapAudioCodec()
		engine.RecoverMedia()
		return true

	case recoveryMedia:
		c.logger.Warn("attempting media recovery",
			slog.String("message", event.Message))
		engine.RecoverMedia()
		return true

	case recoveryFatal:
		c.logger.Error("unrecoverable playback error",
			slog.String("type", string(event.Type)),
			slog.String("detail", string(event.Detail)),
			slog.String("message", event.Message))
		if handlers.OnFatal != nil {
			handlers.OnFatal(event)
		}
		return false
	}
	return false
}

// HandleDiscontinuity consumes the discontinuity marker from segment
// boundary metadata. A marker change nudges the playback position to
// force decoder resynchronization.
func (c *Controller) HandleDiscontinuity(marker int) {
	c.mu.Lock()
	if c.engine == nil {
		c.mu.Unlock()
		return
	}
	if !c.discontinuitySeen {
		c.discontinuitySeen = true
		c.lastDiscontinuity = marker
		c.mu.Unlock()
		return
	}
	if marker == c.lastDiscontinuity {
		c.mu.Unlock()
		return
	}
	c.lastDiscontinuity = marker
	engine := c.engine
	nudge := c.cfg.DiscontinuityNudge
	c.mu.Unlock()

	pos := engine.Position()
	c.logger.Debug("discontinuity marker changed, nudging position",
		slog.Int("marker", marker),
		slog.Float64("position", pos))
	engine.Seek(pos + nudge)
}

// maybeCooldownResetLocked wipes the counters and the codec-swap latch
// after an error-free cooldown, so an old burst does not poison the
// verdict on a fresh one. The discontinuity marker is kept; marker
// continuity is independent of error history.
func (c *Controller) maybeCooldownResetLocked(now time.Time) {
	if c.lastErrorAt.IsZero() {
		return
	}
	if now.Sub(c.lastErrorAt) > c.cfg.Cooldown {
		c.resetCountersLocked()
	}
}

func (c *Controller) resetCountersLocked() {
	c.networkErrors = 0
	c.mediaErrors = 0
	c.consecutiveMediaErrors = 0
	c.codecSwapAttempted = false
	c.lastErrorAt = time.Time{}
}

func (c *Controller) retryDelay(attempt int) time.Duration {
	delays := c.cfg.RetryDelays
	if attempt >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt-1]
}

// scheduleReloadLocked arms the retry timer. The generation counter
// makes a canceled or superseded timer a no-op even if it already fired.
func (c *Controller) scheduleReloadLocked(delay time.Duration) {
	c.retryGen++
	gen := c.retryGen
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = c.newTimer(delay, func() { c.fireReload(gen) })
}

func (c *Controller) cancelRetryLocked() {
	c.retryGen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Controller) fireReload(gen int) {
	c.mu.Lock()
	if gen != c.retryGen || c.engine == nil {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	engine := c.engine
	c.mu.Unlock()

	c.logger.Info("reloading transport after network error")
	engine.Reload()
}
