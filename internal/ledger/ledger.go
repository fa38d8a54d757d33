// Package ledger tracks active stream sessions and enforces per-source
// connection capacity.
//
// The in-memory registry is the runtime source of truth: every mutating
// operation updates it first under a single mutex, keeping the capacity
// invariant exact under concurrent acquires. Sessions are mirrored to
// storage so they survive a restart (see LoadActive), and archival to
// viewing history happens exactly once per session even when an explicit
// release races the staleness sweep.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thomasbambino/streamcore/internal/catalog"
	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/epg"
	"github.com/thomasbambino/streamcore/internal/models"
	"github.com/thomasbambino/streamcore/internal/observability"
	"github.com/thomasbambino/streamcore/internal/repository"
)

// ReasonCapacityExhausted is the denial reason when a bounded source has no
// free connection slots.
const ReasonCapacityExhausted = "capacity_exhausted"

// AcquireRequest describes a playback slot request.
type AcquireRequest struct {
	UserID    string
	ChannelID string
	// ChannelName is the display name if the caller already knows it.
	// When empty the guide is consulted.
	ChannelName string
	// SourceID attributes the session to an upstream provider account.
	// Empty means the session is not metered against any source.
	SourceID string
	ClientIP string
	Device   string
}

// AcquireResult is the outcome of an acquire. Either Token is set, or
// Denied is true and Reason explains why.
type AcquireResult struct {
	Token   string                `json:"token,omitempty"`
	Denied  bool                  `json:"denied,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Session *models.StreamSession `json:"session,omitempty"`
}

// Capacity is a read-only snapshot of one source's connection budget.
// Max and Available are nil for unbounded sources.
type Capacity struct {
	SourceID  string `json:"source_id"`
	Max       *int   `json:"max,omitempty"`
	Used      int    `json:"used"`
	Available *int   `json:"available,omitempty"`
	Unlimited bool   `json:"unlimited"`
}

// Stats summarizes the active registry for health reporting.
type Stats struct {
	ActiveSessions int            `json:"active_sessions"`
	BySource       map[string]int `json:"by_source,omitempty"`
}

// Ledger is the capacity ledger. All methods are safe for concurrent use.
type Ledger struct {
	cfg      config.SessionsConfig
	sessions repository.StreamSessionRepository
	catalog  catalog.Catalog
	guide    epg.Provider
	logger   *slog.Logger

	now      func() time.Time
	newToken func() (string, error)

	// mu guards the three registry maps and all session field mutation.
	mu            sync.Mutex
	byToken       map[string]*models.StreamSession
	byUserChannel map[string]string
	bySource      map[string]int

	// reapMu makes the staleness sweep single-flight.
	reapMu sync.Mutex
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithTokenGenerator overrides session token generation. Used in tests.
func WithTokenGenerator(gen func() (string, error)) Option {
	return func(l *Ledger) {
		l.newToken = gen
	}
}

// New creates a capacity ledger. The guide may be nil, in which case
// program labels are left empty.
func New(cfg config.SessionsConfig, sessions repository.StreamSessionRepository, cat catalog.Catalog, guide epg.Provider, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if guide == nil {
		guide = epg.NewNoopProvider()
	}
	if cat == nil {
		cat = catalog.NewStaticCatalog(nil)
	}

	l := &Ledger{
		cfg:           cfg,
		sessions:      sessions,
		catalog:       cat,
		guide:         guide,
		logger:        observability.WithComponent(logger, "ledger"),
		now:           time.Now,
		newToken:      newTokenGenerator(cfg.TokenLength),
		byToken:       make(map[string]*models.StreamSession),
		byUserChannel: make(map[string]string),
		bySource:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadActive restores the registry from persisted sessions. Called once at
// startup so live sessions survive a process restart.
func (l *Ledger) LoadActive(ctx context.Context) (int, error) {
	persisted, err := l.sessions.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading active sessions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, session := range persisted {
		if _, exists := l.byToken[session.Token]; exists {
			continue
		}
		l.register(session)
		count++
	}
	return count, nil
}

// Acquire grants a playback slot, enforcing the source's connection cap.
// Re-requesting a held (user, channel) pair refreshes its heartbeat and
// returns the existing token instead of consuming another slot.
func (l *Ledger) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	return l.acquire(ctx, req, true)
}

// AcquireUnbounded grants a playback slot without a capacity check. The
// session still carries its source attribution and counts toward the
// source's usage snapshot.
func (l *Ledger) AcquireUnbounded(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	return l.acquire(ctx, req, false)
}

func (l *Ledger) acquire(ctx context.Context, req AcquireRequest, enforceCap bool) (*AcquireResult, error) {
	if req.UserID == "" {
		return nil, models.ErrUserIDRequired
	}
	if req.ChannelID == "" {
		return nil, models.ErrChannelIDRequired
	}

	if result := l.refreshExisting(ctx, req.UserID, req.ChannelID); result != nil {
		return result, nil
	}

	// Resolve guide labels before taking the lock; a cold guide lookup
	// may block on a fetch and must not stall other acquires.
	channelName := req.ChannelName
	if channelName == "" {
		name, err := l.guide.ResolveChannelName(ctx, req.ChannelID)
		if err != nil {
			l.logger.Debug("channel name lookup failed",
				slog.String("channel_id", req.ChannelID),
				slog.String("error", err.Error()))
		}
		channelName = name
	}
	startProgram := l.programLabel(ctx, channelName)

	token, err := l.newToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	now := l.now()
	session := &models.StreamSession{
		Token:           token,
		UserID:          req.UserID,
		ChannelID:       req.ChannelID,
		ChannelName:     channelName,
		SourceID:        req.SourceID,
		StartedAt:       now,
		LastHeartbeatAt: now,
		StartProgram:    startProgram,
		ClientIP:        req.ClientIP,
		Device:          req.Device,
	}

	l.mu.Lock()

	// A concurrent acquire for the same pair may have won while guide
	// lookups ran; honor the idempotency invariant and return its token.
	if existingToken, ok := l.byUserChannel[pairKey(req.UserID, req.ChannelID)]; ok {
		existing := l.byToken[existingToken]
		l.touch(existing)
		heartbeatAt := existing.LastHeartbeatAt
		result := l.resultFor(existing)
		l.mu.Unlock()

		l.persistHeartbeat(ctx, existingToken, heartbeatAt)
		return result, nil
	}

	if enforceCap && session.IsBounded() {
		if source := l.catalog.Lookup(session.SourceID); source == nil {
			// Sessions may reference sources the catalog no longer lists;
			// refusing playback for those would be worse than not metering.
			l.logger.Warn("unknown source, treating as unbounded",
				slog.String("source_id", session.SourceID))
		} else if budget := l.capacityLocked(session.SourceID); !budget.Unlimited && budget.Used >= *budget.Max {
			l.mu.Unlock()
			l.logger.Info("session denied, source at capacity",
				slog.String("source_id", session.SourceID),
				slog.String("user_id", session.UserID),
				slog.Int("max_connections", *budget.Max))
			return &AcquireResult{Denied: true, Reason: ReasonCapacityExhausted}, nil
		}
	}

	l.register(session)
	result := l.resultFor(session)
	l.mu.Unlock()

	if err := l.sessions.Create(ctx, session); err != nil {
		// Roll back so the slot is not held by a session that was never
		// persisted; the caller can retry.
		l.mu.Lock()
		l.deregister(session)
		l.mu.Unlock()
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	l.logger.Info("session acquired",
		slog.String("session_id", session.ID.String()),
		slog.String("user_id", session.UserID),
		slog.String("channel_id", session.ChannelID),
		slog.String("source_id", session.SourceID))
	return result, nil
}

// Heartbeat refreshes a session's staleness clock. Returns false when the
// token is unknown.
func (l *Ledger) Heartbeat(ctx context.Context, token string) (bool, error) {
	l.mu.Lock()
	session, ok := l.byToken[token]
	if !ok {
		l.mu.Unlock()
		return false, nil
	}
	l.touch(session)
	heartbeatAt := session.LastHeartbeatAt
	l.mu.Unlock()

	l.persistHeartbeat(ctx, token, heartbeatAt)
	return true, nil
}

// Release ends a session and archives it to viewing history. Returns false
// when the token is unknown. The slot is freed even if archival fails.
func (l *Ledger) Release(ctx context.Context, token string) (bool, error) {
	l.mu.Lock()
	session, ok := l.byToken[token]
	if !ok {
		l.mu.Unlock()
		return false, nil
	}
	l.deregister(session)
	l.mu.Unlock()

	return true, l.archive(ctx, session, l.now())
}

// ReleaseAllForUser releases every session owned by the user and returns
// how many were released.
func (l *Ledger) ReleaseAllForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	return l.releaseMatching(ctx, func(s *models.StreamSession) bool {
		return s.UserID == userID
	})
}

// ReleaseAllForSource releases every session attributed to the source and
// returns how many were released.
func (l *Ledger) ReleaseAllForSource(ctx context.Context, sourceID string) (int, error) {
	if sourceID == "" {
		return 0, nil
	}
	return l.releaseMatching(ctx, func(s *models.StreamSession) bool {
		return s.SourceID == sourceID
	})
}

// ReapStale releases every session whose heartbeat is older than threshold.
// The sweep is single-flight: overlapping calls return immediately with a
// zero count. A non-positive threshold falls back to the configured default.
func (l *Ledger) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	if !l.reapMu.TryLock() {
		return 0, nil
	}
	defer l.reapMu.Unlock()

	if threshold <= 0 {
		threshold = l.cfg.StaleThreshold
	}
	now := l.now()

	l.mu.Lock()
	var stale []*models.StreamSession
	for _, session := range l.byToken {
		if session.IsStale(now, threshold) {
			stale = append(stale, session)
		}
	}
	for _, session := range stale {
		l.deregister(session)
	}
	l.mu.Unlock()

	if len(stale) == 0 {
		return 0, nil
	}

	var errs []error
	for _, session := range stale {
		// The last heartbeat is the last proof of viewing, so it becomes
		// the archived end time.
		if err := l.archive(ctx, session, session.LastHeartbeatAt); err != nil {
			errs = append(errs, err)
		}
	}

	l.logger.Info("reaped stale sessions",
		slog.Int("count", len(stale)),
		slog.Duration("threshold", threshold))
	return len(stale), errors.Join(errs...)
}

// CapacityOf reports the connection budget snapshot for a source.
func (l *Ledger) CapacityOf(sourceID string) Capacity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacityLocked(sourceID)
}

// Count returns the number of active sessions.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byToken)
}

// Stats returns a snapshot of the active registry.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{ActiveSessions: len(l.byToken)}
	if len(l.bySource) > 0 {
		stats.BySource = make(map[string]int, len(l.bySource))
		for id, n := range l.bySource {
			stats.BySource[id] = n
		}
	}
	return stats
}

// refreshExisting returns the held session for the pair after refreshing
// its heartbeat, or nil when the pair has no live session.
func (l *Ledger) refreshExisting(ctx context.Context, userID, channelID string) *AcquireResult {
	l.mu.Lock()
	token, ok := l.byUserChannel[pairKey(userID, channelID)]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	session := l.byToken[token]
	l.touch(session)
	heartbeatAt := session.LastHeartbeatAt
	result := l.resultFor(session)
	l.mu.Unlock()

	l.persistHeartbeat(ctx, token, heartbeatAt)
	l.logger.Debug("session reacquired",
		slog.String("session_id", result.Session.ID.String()),
		slog.String("user_id", userID),
		slog.String("channel_id", channelID))
	return result
}

// releaseMatching deregisters every matching session under the lock, then
// archives them outside it so history writes never block acquires.
func (l *Ledger) releaseMatching(ctx context.Context, match func(*models.StreamSession) bool) (int, error) {
	l.mu.Lock()
	var matched []*models.StreamSession
	for _, session := range l.byToken {
		if match(session) {
			matched = append(matched, session)
		}
	}
	for _, session := range matched {
		l.deregister(session)
	}
	l.mu.Unlock()

	endedAt := l.now()
	var errs []error
	for _, session := range matched {
		if err := l.archive(ctx, session, endedAt); err != nil {
			errs = append(errs, err)
		}
	}
	return len(matched), errors.Join(errs...)
}

// archive writes the session's viewing history record and removes the
// persisted session row. Safe to race with another archiver of the same
// session: storage deletes the row exactly once, and only the winner
// inserts history.
func (l *Ledger) archive(ctx context.Context, session *models.StreamSession, endedAt time.Time) error {
	record := session.ToHistoryRecord(endedAt, l.programLabel(ctx, session.ChannelName))

	archived, err := l.sessions.Archive(ctx, session, record)
	if err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}
	if !archived {
		l.logger.Debug("session already archived",
			slog.String("session_id", session.ID.String()))
		return nil
	}

	l.logger.Info("session archived",
		slog.String("session_id", session.ID.String()),
		slog.String("user_id", session.UserID),
		slog.String("channel_id", session.ChannelID),
		slog.Int("duration_seconds", record.DurationSeconds))
	return nil
}

// programLabel resolves the program airing now on the named channel.
// Guide failures are non-fatal and yield an empty label.
func (l *Ledger) programLabel(ctx context.Context, channelName string) string {
	if channelName == "" {
		return ""
	}
	program, err := l.guide.CurrentProgram(ctx, channelName)
	if err != nil {
		l.logger.Debug("program lookup failed",
			slog.String("channel_name", channelName),
			slog.String("error", err.Error()))
		return ""
	}
	if program == nil {
		return ""
	}
	return program.Label()
}

// persistHeartbeat mirrors a heartbeat to storage. Best effort: the
// in-memory timestamp already counts, and a liveness signal must not fail
// because the database hiccupped.
func (l *Ledger) persistHeartbeat(ctx context.Context, token string, at time.Time) {
	if err := l.sessions.UpdateHeartbeat(ctx, token, at); err != nil {
		l.logger.Warn("heartbeat persistence failed",
			slog.String("error", err.Error()))
	}
}

// touch advances the session's heartbeat. Never moves it backward, so a
// replayed or clock-skewed refresh cannot shorten the session's life.
// Caller holds mu.
func (l *Ledger) touch(s *models.StreamSession) {
	if now := l.now(); now.After(s.LastHeartbeatAt) {
		s.LastHeartbeatAt = now
	}
}

// resultFor builds an AcquireResult with a detached session copy so callers
// never share memory with the registry. Caller holds mu.
func (l *Ledger) resultFor(s *models.StreamSession) *AcquireResult {
	copied := *s
	return &AcquireResult{Token: s.Token, Session: &copied}
}

// capacityLocked computes the capacity snapshot. Caller holds mu.
func (l *Ledger) capacityLocked(sourceID string) Capacity {
	capacity := Capacity{SourceID: sourceID, Used: l.bySource[sourceID]}

	source := l.catalog.Lookup(sourceID)
	if source == nil || !source.IsBounded() {
		capacity.Unlimited = true
		return capacity
	}

	max := *source.MaxConnections
	available := max - capacity.Used
	if available < 0 {
		available = 0
	}
	capacity.Max = &max
	capacity.Available = &available
	return capacity
}

// register adds a session to the registry. Caller holds mu.
func (l *Ledger) register(s *models.StreamSession) {
	l.byToken[s.Token] = s
	l.byUserChannel[pairKey(s.UserID, s.ChannelID)] = s.Token
	if s.IsBounded() {
		l.bySource[s.SourceID]++
	}
}

// deregister removes a session from the registry. Caller holds mu.
func (l *Ledger) deregister(s *models.StreamSession) {
	delete(l.byToken, s.Token)
	delete(l.byUserChannel, pairKey(s.UserID, s.ChannelID))
	if s.IsBounded() {
		if l.bySource[s.SourceID] <= 1 {
			delete(l.bySource, s.SourceID)
		} else {
			l.bySource[s.SourceID]--
		}
	}
}

func pairKey(userID, channelID string) string {
	return userID + "\x00" + channelID
}
